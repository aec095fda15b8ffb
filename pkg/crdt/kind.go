package crdt

import "fmt"

// Kind is the CRDT type of a field. It is fixed by the first write.
type Kind int

const (
	KindRegister Kind = iota + 1
	KindMap
	KindCounter
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindMap:
		return "map"
	case KindCounter:
		return "counter"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "register":
		return KindRegister, nil
	case "map":
		return KindMap, nil
	case "counter":
		return KindCounter, nil
	default:
		return 0, fmt.Errorf("unknown crdt kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
