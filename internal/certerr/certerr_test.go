package certerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Format(t *testing.T) {
	e := InvalidArgument("serial number is invalid")
	got := e.Error()
	want := "invalid argument: serial number is invalid"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCode_Values(t *testing.T) {
	// The numeric values are visible to scripts and must stay stable.
	cases := []struct {
		code Code
		want int
	}{
		{CodeAllocation, 1},
		{CodeInvalidArgument, 2},
		{CodeOperation, 3},
		{CodeNotFound, 4},
		{CodeUnsupported, 5},
	}
	for _, c := range cases {
		if int(c.code) != c.want {
			t.Errorf("%s = %d, want %d", c.code, int(c.code), c.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Allocation("out of contexts")); got != CodeAllocation {
		t.Errorf("CodeOf(Allocation) = %v, want CodeAllocation", got)
	}

	wrapped := fmt.Errorf("scheduling: %w", NotFound("revoked certificate not found"))
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Errorf("CodeOf(wrapped) = %v, want CodeNotFound", got)
	}

	if got := CodeOf(errors.New("plain")); got != CodeOperation {
		t.Errorf("CodeOf(plain) = %v, want CodeOperation", got)
	}
}
