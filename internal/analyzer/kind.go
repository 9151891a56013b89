package analyzer

// Kind classifies the shape of a decoded document value. Every traversal in
// this package switches exhaustively over Kind instead of sniffing types
// inline, so adding a shape is a compile-visible change.
type Kind int

const (
	// KindScalar covers strings, numbers, booleans and null.
	KindScalar Kind = iota

	// KindMapping is a JSON object decoded as map[string]any.
	KindMapping

	// KindSequence is a JSON array decoded as []any.
	KindSequence

	// KindCensus is a TypeCensus leaf produced by a census walk. Census
	// leaves are terminal: no traversal descends into them.
	KindCensus
)

// String returns the lower-case tag name, for log lines.
func (k Kind) String() string {
	switch k {
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	case KindCensus:
		return "census"
	default:
		return "scalar"
	}
}

// KindOf classifies a decoded value.
func KindOf(v any) Kind {
	switch v.(type) {
	case TypeCensus:
		return KindCensus
	case map[string]any:
		return KindMapping
	case []any:
		return KindSequence
	default:
		return KindScalar
	}
}
