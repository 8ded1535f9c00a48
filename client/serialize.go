package client

import (
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/IBM/docker-logdna/bufpool"
)

const (
	bb = 'b'  // \x08
	tt = 't'  // \x09
	nn = 'n'  // \x0A
	ff = 'f'  // \x0C
	rr = 'r'  // \x0D
	qu = '"'  // \x22
	bs = '\\' // \x5C
	uu = 'u'  // \x00...\x1F except the ones above
	__ = 0
)

// escapeTable maps each byte to its JSON escape. A value of 'x' at index i
// means byte i is escaped as \x; 0 means the byte passes through.
var escapeTable = [256]byte{
	//  1   2   3   4   5   6   7   8   9   A   B   C   D   E   F
	uu, uu, uu, uu, uu, uu, uu, uu, bb, tt, nn, uu, ff, rr, uu, uu, // 0
	uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, uu, // 1
	__, __, qu, __, __, __, __, __, __, __, __, __, __, __, __, __, // 2
	__, __, __, __, __, __, __, __, __, __, __, __, __, __, __, __, // 3
	__, __, __, __, __, __, __, __, __, __, __, __, __, __, __, __, // 4
	__, __, __, __, __, __, __, __, __, __, __, __, bs, __, __, __, // 5
}

const hexDigits = "0123456789abcdef"

// replacement is the UTF-8 encoding of U+FFFD.
const replacement = "\xef\xbf\xbd"

// writeEscapedContents writes the contents of s (without surrounding
// quotes) into buf, escaping per escapeTable and replacing invalid UTF-8
// sequences with U+FFFD. Replacement never aborts the write.
func writeEscapedContents(buf *bufpool.SegmentedBuffer, s string) error {
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			esc := escapeTable[c]
			if esc == 0 {
				i++
				continue
			}
			if start < i {
				if _, err := buf.WriteString(s[start:i]); err != nil {
					return err
				}
			}
			if err := writeEscape(buf, esc, c); err != nil {
				return err
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			if start < i {
				if _, err := buf.WriteString(s[start:i]); err != nil {
					return err
				}
			}
			if _, err := buf.WriteString(replacement); err != nil {
				return err
			}
			i++
			start = i
			continue
		}
		i += size
	}
	if start < len(s) {
		if _, err := buf.WriteString(s[start:]); err != nil {
			return err
		}
	}
	return nil
}

func writeEscape(buf *bufpool.SegmentedBuffer, esc, c byte) error {
	if err := buf.WriteByte('\\'); err != nil {
		return err
	}
	if esc != uu {
		return buf.WriteByte(esc)
	}
	_, err := buf.Write([]byte{'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF]})
	return err
}

// writeJSONString writes s as a quoted JSON string.
func writeJSONString(buf *bufpool.SegmentedBuffer, s string) error {
	if err := buf.WriteByte('"'); err != nil {
		return err
	}
	if err := writeEscapedContents(buf, s); err != nil {
		return err
	}
	return buf.WriteByte('"')
}

// writeJSONMap writes m as a JSON object with sorted keys.
func writeJSONMap(buf *bufpool.SegmentedBuffer, m KeyValueMap) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := buf.WriteByte('{'); err != nil {
		return err
	}
	for i, k := range keys {
		if i > 0 {
			if err := buf.WriteByte(','); err != nil {
				return err
			}
		}
		if err := writeJSONString(buf, k); err != nil {
			return err
		}
		if err := buf.WriteByte(':'); err != nil {
			return err
		}
		if err := writeJSONString(buf, m[k]); err != nil {
			return err
		}
	}
	return buf.WriteByte('}')
}

// BodySerializer incrementally serializes lines into {"lines":[...]}.
// Keys within each line are emitted in a fixed order: annotation, app, env,
// file, host, label, level, meta, line, timestamp. Absent optional fields
// are omitted; line is always emitted and timestamp is assigned at
// serialization time in epoch seconds.
type BodySerializer struct {
	buf   *bufpool.SegmentedBuffer
	count int
	first bool
	now   func() int64
}

// NewBodySerializer starts a body in buf.
func NewBodySerializer(buf *bufpool.SegmentedBuffer) (*BodySerializer, error) {
	if _, err := buf.WriteString(`{"lines":[`); err != nil {
		return nil, err
	}
	return &BodySerializer{
		buf:   buf,
		first: true,
		now:   func() int64 { return time.Now().Unix() },
	}, nil
}

// WriteLine appends one serialized line to the body.
func (s *BodySerializer) WriteLine(l *Line) error {
	if !s.first {
		if err := s.buf.WriteByte(','); err != nil {
			return err
		}
	}
	s.first = false
	if err := s.writeLineObject(l); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *BodySerializer) writeLineObject(l *Line) error {
	if err := s.buf.WriteByte('{'); err != nil {
		return err
	}
	first := true

	writeKey := func(key string) error {
		if !first {
			if err := s.buf.WriteByte(','); err != nil {
				return err
			}
		}
		first = false
		if err := writeJSONString(s.buf, key); err != nil {
			return err
		}
		return s.buf.WriteByte(':')
	}

	if l.Annotations != nil {
		if err := writeKey("annotation"); err != nil {
			return err
		}
		if err := writeJSONMap(s.buf, l.Annotations); err != nil {
			return err
		}
	}
	if l.App != nil {
		if err := writeKey("app"); err != nil {
			return err
		}
		if err := writeJSONString(s.buf, *l.App); err != nil {
			return err
		}
	}
	if l.Env != nil {
		if err := writeKey("env"); err != nil {
			return err
		}
		if err := writeJSONString(s.buf, *l.Env); err != nil {
			return err
		}
	}
	if l.File != nil {
		if err := writeKey("file"); err != nil {
			return err
		}
		if err := writeJSONString(s.buf, *l.File); err != nil {
			return err
		}
	}
	if l.Host != nil {
		if err := writeKey("host"); err != nil {
			return err
		}
		if err := writeJSONString(s.buf, *l.Host); err != nil {
			return err
		}
	}
	if l.Labels != nil {
		if err := writeKey("label"); err != nil {
			return err
		}
		if err := writeJSONMap(s.buf, l.Labels); err != nil {
			return err
		}
	}
	if l.Level != nil {
		if err := writeKey("level"); err != nil {
			return err
		}
		if err := writeJSONString(s.buf, *l.Level); err != nil {
			return err
		}
	}
	if l.Meta != nil {
		if err := writeKey("meta"); err != nil {
			return err
		}
		if _, err := s.buf.Write(l.Meta); err != nil {
			return err
		}
	}
	if err := writeKey("line"); err != nil {
		return err
	}
	if err := writeJSONString(s.buf, l.Line); err != nil {
		return err
	}
	if err := writeKey("timestamp"); err != nil {
		return err
	}
	if _, err := s.buf.WriteString(strconv.FormatInt(s.now(), 10)); err != nil {
		return err
	}

	return s.buf.WriteByte('}')
}

// End closes the body and hands the buffer over.
func (s *BodySerializer) End() (*IngestBodyBuffer, error) {
	if _, err := s.buf.WriteString(`]}`); err != nil {
		return nil, err
	}
	return &IngestBodyBuffer{buf: s.buf}, nil
}

// Count reports the number of lines written so far.
func (s *BodySerializer) Count() int { return s.count }

// BytesLen reports the serialized length so far.
func (s *BodySerializer) BytesLen() int { return s.buf.Len() }

// serializeBody renders body into a fresh segmented buffer from pool.
func serializeBody(body *IngestBody, pool *bufpool.Pool) (*IngestBodyBuffer, error) {
	buf := bufpool.NewBuffer(pool)
	s, err := NewBodySerializer(buf)
	if err != nil {
		buf.Release()
		return nil, err
	}
	for _, l := range body.Lines {
		if err := s.WriteLine(l); err != nil {
			buf.Release()
			return nil, err
		}
	}
	out, err := s.End()
	if err != nil {
		buf.Release()
		return nil, err
	}
	return out, nil
}
