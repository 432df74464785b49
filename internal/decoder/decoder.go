// Package decoder extracts translation items from a live backend token
// stream before the response is complete.
//
// The wire format interleaves two kinds of blocks:
//
//	<think>model reasoning, forwarded verbatim, never parsed</think>
//	<item key="greeting" comment="optional note">translated text</item>
//
// Items are emitted the moment their closing marker is fully consumed, in
// document order. Markers may arrive split across arbitrary chunk
// boundaries. Inside an item body, a double-quoted span suppresses marker
// recognition until its closing quote, so quoted text that looks like a
// marker is kept as content.
package decoder

import (
	"strings"

	"github.com/tolmach-ai/tolmach/internal"
)

const (
	itemOpen   = "<item"
	itemClose  = "</item>"
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

type state int

const (
	stateScanning state = iota
	stateReasoning
	stateItem
	stateAwaitingClose
)

// Handlers receives decoder output. Item is required; the reasoning
// callbacks may be nil.
type Handlers struct {
	Item           func(internal.LocalizedItem)
	ReasoningStart func()
	ReasoningDelta func(string)
	ReasoningEnd   func()
}

// Decoder is the incremental state machine over one backend's stream. It is
// owned by the unit consuming that stream and must not be shared.
type Decoder struct {
	h Handlers

	state state
	pend  string

	key     string
	comment string
	body    strings.Builder
	inQuote bool

	seen map[string]bool
	// anon counts emitted empty-key items; skipAnon suppresses that many
	// during a fallback re-parse, since they carry no key to deduplicate on.
	anon     int
	skipAnon int
	count    int
}

// New returns a Decoder in the scanning state.
func New(h Handlers) *Decoder {
	return &Decoder{h: h, seen: make(map[string]bool)}
}

// Emitted returns the number of items emitted so far.
func (d *Decoder) Emitted() int {
	return d.count
}

// Feed consumes the next raw text chunk from the stream, emitting any items
// whose closing marker becomes complete.
func (d *Decoder) Feed(chunk string) {
	if chunk == "" {
		return
	}
	d.pend += chunk
	d.run()
}

// Flush re-parses the accumulated full response text as a non-streaming
// fallback. Items already emitted during streaming are skipped, keyed items
// by key and empty-key items by count, so calling Flush after Feed never
// duplicates an emission.
func (d *Decoder) Flush(full string) {
	fb := &Decoder{h: d.h, seen: d.seen, count: d.count, skipAnon: d.anon}
	fb.pend = full
	fb.run()
	d.count = fb.count
	d.anon += fb.anon
}

func (d *Decoder) run() {
	for {
		switch d.state {
		case stateScanning:
			if !d.scan() {
				return
			}
		case stateReasoning:
			if !d.reason() {
				return
			}
		case stateItem, stateAwaitingClose:
			if !d.item() {
				return
			}
		}
	}
}

// scan looks for the next open marker, discarding free text between blocks.
// Returns false when more input is needed.
func (d *Decoder) scan() bool {
	iItem := strings.Index(d.pend, itemOpen)
	iThink := strings.Index(d.pend, thinkOpen)

	switch {
	case iThink >= 0 && (iItem < 0 || iThink < iItem):
		d.pend = d.pend[iThink+len(thinkOpen):]
		d.state = stateReasoning
		if d.h.ReasoningStart != nil {
			d.h.ReasoningStart()
		}
		return true

	case iItem >= 0:
		rest := d.pend[iItem+len(itemOpen):]
		key, comment, n, ok := parseAttributes(rest)
		if !ok {
			// Open tag incomplete; keep it pending.
			d.pend = d.pend[iItem:]
			return false
		}
		d.key, d.comment = key, comment
		d.body.Reset()
		d.inQuote = false
		d.pend = rest[n:]
		d.state = stateItem
		return true

	default:
		// Keep only a tail that could still grow into a marker.
		d.pend = markerTail(d.pend)
		return false
	}
}

// reason forwards reasoning text up to the closing marker, holding back any
// suffix that could be the start of a split close marker.
func (d *Decoder) reason() bool {
	if i := strings.Index(d.pend, thinkClose); i >= 0 {
		if i > 0 && d.h.ReasoningDelta != nil {
			d.h.ReasoningDelta(d.pend[:i])
		}
		d.pend = d.pend[i+len(thinkClose):]
		d.state = stateScanning
		if d.h.ReasoningEnd != nil {
			d.h.ReasoningEnd()
		}
		return true
	}

	hold := partialSuffix(d.pend, thinkClose)
	if fwd := d.pend[:len(d.pend)-hold]; fwd != "" && d.h.ReasoningDelta != nil {
		d.h.ReasoningDelta(fwd)
	}
	d.pend = d.pend[len(d.pend)-hold:]
	return false
}

// item walks the body byte-by-byte tracking quoted spans. The close marker
// only counts outside quotes; a partial close marker at the end of pending
// input parks the decoder in the awaiting-close state.
func (d *Decoder) item() bool {
	for i := 0; i < len(d.pend); i++ {
		c := d.pend[i]
		if c == '"' {
			d.inQuote = !d.inQuote
			d.body.WriteByte(c)
			continue
		}
		if c == '<' && !d.inQuote {
			rest := d.pend[i:]
			if strings.HasPrefix(rest, itemClose) {
				d.emit()
				d.pend = rest[len(itemClose):]
				d.state = stateScanning
				return true
			}
			if len(rest) < len(itemClose) && strings.HasPrefix(itemClose, rest) {
				// Close marker may be split across chunks.
				d.pend = rest
				d.state = stateAwaitingClose
				return false
			}
		}
		d.body.WriteByte(c)
	}
	d.pend = ""
	d.state = stateItem
	return false
}

func (d *Decoder) emit() {
	item := internal.LocalizedItem{
		Key:     d.key,
		Text:    d.body.String(),
		Comment: d.comment,
	}
	d.body.Reset()
	if item.Key == "" {
		if d.skipAnon > 0 {
			d.skipAnon--
			return
		}
		d.anon++
	} else {
		if d.seen[item.Key] {
			return
		}
		d.seen[item.Key] = true
	}
	d.count++
	if d.h.Item != nil {
		d.h.Item(item)
	}
}

// parseAttributes reads `key="…"` and `comment="…"` attributes up to the
// closing '>' of an open tag. It returns ok=false when the tag is not yet
// complete in the buffer.
func parseAttributes(s string) (key, comment string, n int, ok bool) {
	i := 0
	for i < len(s) {
		switch s[i] {
		case '>':
			return key, comment, i + 1, true
		case ' ', '\t', '\n', '\r':
			i++
		default:
			name, value, adv, complete := parseAttribute(s[i:])
			if !complete {
				return "", "", 0, false
			}
			switch name {
			case "key":
				key = value
			case "comment":
				comment = value
			}
			i += adv
		}
	}
	return "", "", 0, false
}

func parseAttribute(s string) (name, value string, n int, ok bool) {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return "", "", 0, false
	}
	gt := strings.IndexByte(s, '>')
	if gt >= 0 && gt < eq {
		// Bare word before '>'; skip to tag end.
		return "", "", gt, true
	}
	name = strings.TrimSpace(s[:eq])
	rest := s[eq+1:]
	if len(rest) == 0 || rest[0] != '"' {
		return "", "", 0, false
	}
	end := strings.IndexByte(rest[1:], '"')
	if end < 0 {
		return "", "", 0, false
	}
	value = unescapeAttr(rest[1 : 1+end])
	return name, value, eq + 1 + end + 2, true
}

// unescapeAttr reverses the attribute escaping applied when the prompt was
// rendered, so keys containing quotes round-trip unchanged.
func unescapeAttr(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	s = strings.ReplaceAll(s, "&quot;", `"`)
	return strings.ReplaceAll(s, "&amp;", "&")
}

// markerTail returns the longest suffix of s that is a proper prefix of one
// of the open markers, so a marker split across chunks is not lost.
func markerTail(s string) string {
	hold := partialSuffix(s, itemOpen)
	if h := partialSuffix(s, thinkOpen); h > hold {
		hold = h
	}
	return s[len(s)-hold:]
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, marker[:l]) {
			return l
		}
	}
	return 0
}
