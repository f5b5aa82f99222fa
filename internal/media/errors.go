package media

import "errors"

// Sentinel errors shared by containers, decoders, and the playback engine.
// End of stream is reported with io.EOF and is not one of these.
var (
	ErrOpen   = errors.New("media: open failed")
	ErrDecode = errors.New("media: decode failed")
	ErrSeek   = errors.New("media: seek failed")
)
