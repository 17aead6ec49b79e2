package assert

import "fmt"

// Assert panics when cond is false. It guards internal invariants that
// indicate programmer error; recoverable conditions are returned as errors.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

func NoError(err error) {
	if err != nil {
		panic(err)
	}
}
