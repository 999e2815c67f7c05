package transcriber

import "context"

type StreamWriter interface {
	Write(pcm []byte) error
	Close() error
}

// Result is one recognition hypothesis. Offsets are milliseconds from the
// start of the audio stream; Confidence is only meaningful on final results.
type Result struct {
	Text       string
	Final      bool
	Confidence *float32
	StartMs    *int64
	EndMs      *int64
}

type ResultReceiver interface {
	OnResult(result Result)
	OnError(err error)
}

type Transcriber interface {
	StartStreaming(ctx context.Context, sessionToken, language string, receiver ResultReceiver) (StreamWriter, error)
}
