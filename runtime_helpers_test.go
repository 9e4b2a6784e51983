package mnrt_test

import "fmt"

func errMismatch(want, got int64) error {
	return fmt.Errorf("mismatch: want %d, got %d", want, got)
}

func errMismatchAt(i int, want, got int64) error {
	return fmt.Errorf("mismatch at index %d: want %d, got %d", i, want, got)
}
