package remote

import (
	"google.golang.org/grpc/encoding"

	"github.com/bobg/rssync/wire"
)

// CodecName is the gRPC content subtype of rssync messages.
const CodecName = "cbor"

// codec carries the wire package's messages in gRPC frames.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return wire.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return wire.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
