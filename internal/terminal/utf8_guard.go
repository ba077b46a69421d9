package terminal

import "unicode/utf8"

// utf8Guard buffers incomplete UTF-8 runes across chunk boundaries so a
// multi-byte character split by the PTY read size never reaches clients as
// two broken halves.
type utf8Guard struct {
	pending []byte
}

func (g *utf8Guard) Filter(data []byte) []byte {
	if len(data) == 0 && len(g.pending) == 0 {
		return nil
	}

	buf := append(g.pending, data...)
	g.pending = nil

	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		if !utf8.FullRune(buf[i:]) {
			g.pending = append(g.pending, buf[i:]...)
			break
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			out = utf8.AppendRune(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, buf[i:i+size]...)
		i += size
	}
	return out
}

// Flush replaces any dangling partial rune with the replacement character.
func (g *utf8Guard) Flush() []byte {
	if len(g.pending) == 0 {
		return nil
	}
	g.pending = nil
	return utf8.AppendRune(nil, utf8.RuneError)
}
