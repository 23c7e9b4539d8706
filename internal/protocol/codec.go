package protocol

// ResponseParser turns a raw notification into a structured response.
// Implementations must not retain data.
type ResponseParser interface {
	Parse(data []byte) (any, error)
}

// ResponseParserFunc adapts a function to ResponseParser.
type ResponseParserFunc func(data []byte) (any, error)

func (f ResponseParserFunc) Parse(data []byte) (any, error) {
	return f(data)
}

// Payload is one inbound notification. Each notification is treated as a
// complete message; fragments are not reassembled.
type Payload struct {
	Raw      []byte
	Response any
	// ParseErr is set when a parser is configured and rejected Raw.
	ParseErr error
}

// Decode passes the bytes through unchanged.
func Decode(data []byte) Payload {
	return Payload{Raw: append([]byte(nil), data...)}
}

// Codec couples framing with an optional response parser.
type Codec struct {
	parser ResponseParser
}

func NewCodec(parser ResponseParser) *Codec {
	return &Codec{parser: parser}
}

func (c *Codec) Encode(m Message) []byte {
	return Encode(m)
}

func (c *Codec) Decode(data []byte) Payload {
	p := Decode(data)
	if c == nil || c.parser == nil {
		return p
	}
	resp, err := c.parser.Parse(p.Raw)
	if err != nil {
		p.ParseErr = err
		return p
	}
	p.Response = resp
	return p
}
