package utils

import "math/rand"

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// GenerateUniqueInts returns n distinct values in [low, high). Test helper.
func GenerateUniqueInts[T ~uint32 | ~uint64 | ~int](n int, low, high int) []T {
	seen := make(map[int]struct{}, n)
	res := make([]T, 0, n)
	for len(res) < n {
		v := low + rand.Intn(high-low)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, T(v))
	}
	return res
}
