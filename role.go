package weightload

// TensorRole classifies a tensor's semantic purpose in the model,
// as declared by the manifest. The loader derives all dtype/layout/
// streaming policy from Role; name-based discovery is a fallback
// layer kept behind this decision tree, never inside it (spec §3, §9).
type TensorRole uint8

const (
	RoleUnknown TensorRole = iota
	RoleEmbedding
	RoleMatmul
	RoleNorm
	RoleLMHead
	RoleRouter
)

func (r TensorRole) String() string {
	switch r {
	case RoleEmbedding:
		return "embedding"
	case RoleMatmul:
		return "matmul"
	case RoleNorm:
		return "norm"
	case RoleLMHead:
		return "lm_head"
	case RoleRouter:
		return "router"
	default:
		return "unknown"
	}
}

// Layout is the logical orientation of a 2-D matmul weight.
type Layout uint8

const (
	LayoutRow Layout = iota
	LayoutColumn
)

func (l Layout) String() string {
	if l == LayoutColumn {
		return "column"
	}
	return "row"
}
