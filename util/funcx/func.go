package funcx

// MustNoError panics if err is not nil, otherwise returns v.
//
// It is used to flatten (v, err) returning calls into a single
// expression in places where the error is truly unexpected.
func MustNoError[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
