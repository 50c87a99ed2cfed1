package detector

import "context"

// LineSource is a stream of raw sensor lines, satisfied by serialmux.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// LineHandler consumes one raw sensor line.
type LineHandler interface {
	HandleLine(string)
}

// Run feeds every line from src into h until ctx is done or the source
// closes the subscription.
func Run(ctx context.Context, src LineSource, h LineHandler) error {
	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			h.HandleLine(line)
		}
	}
}
