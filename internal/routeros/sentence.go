package routeros

import "strings"

// Kind is the reply word that opens a sentence.
type Kind int

const (
	KindReply Kind = iota // !re
	KindDone              // !done
	KindTrap              // !trap
	KindFatal             // !fatal
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "!re"
	case KindDone:
		return "!done"
	case KindTrap:
		return "!trap"
	case KindFatal:
		return "!fatal"
	}
	return "unknown"
}

func kindOf(word string) (Kind, bool) {
	switch word {
	case "!re":
		return KindReply, true
	case "!done":
		return KindDone, true
	case "!trap":
		return KindTrap, true
	case "!fatal":
		return KindFatal, true
	}
	return 0, false
}

// Sentence is one reply unit read from the router.
type Sentence struct {
	Kind       Kind
	Attributes map[string]string
	// Tag is the .tag word, if the command was tagged.
	Tag string
}

// Get returns the attribute value and whether it was present.
func (s Sentence) Get(key string) (string, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// Message is the router's error text for trap and fatal sentences.
func (s Sentence) Message() string {
	if m := s.Attributes["message"]; m != "" {
		return m
	}
	// !fatal may carry its reason as a bare word.
	return s.Attributes[""]
}

// IsError reports whether the sentence is a trap or fatal marker.
func (s Sentence) IsError() bool {
	return s.Kind == KindTrap || s.Kind == KindFatal
}

// parseAttribute splits "=key=value" on the first '=' after the leading one.
func parseAttribute(word string) (key, value string, ok bool) {
	if !strings.HasPrefix(word, "=") {
		return "", "", false
	}
	rest := word[1:]
	i := strings.IndexByte(rest, '=')
	if i < 0 {
		return rest, "", true
	}
	return rest[:i], rest[i+1:], true
}

// Reply is the ordered list of sentences answering one command.
type Reply []Sentence

// Done reports whether the reply was terminated by !done.
func (r Reply) Done() bool {
	for _, s := range r {
		if s.Kind == KindDone {
			return true
		}
	}
	return false
}

// Err returns the first trap or fatal sentence, if any.
func (r Reply) Err() (Sentence, bool) {
	for _, s := range r {
		if s.IsError() {
			return s, true
		}
	}
	return Sentence{}, false
}

// Records returns the !re sentences, i.e. the rows of a print command.
func (r Reply) Records() []Sentence {
	var out []Sentence
	for _, s := range r {
		if s.Kind == KindReply {
			out = append(out, s)
		}
	}
	return out
}

// First returns the attributes of the first sentence, or nil.
func (r Reply) First() map[string]string {
	if len(r) == 0 {
		return nil
	}
	return r[0].Attributes
}
