package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindUnknownRepo, "no repo named %q", "zoo")
	assert.Equal(t, KindUnknownRepo, KindOf(err))

	wrapped := fmt.Errorf("looking up repo: %w", err)
	assert.Equal(t, KindUnknownRepo, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsKind(t *testing.T) {
	err := Wrap(KindProbeTimeout, fmt.Errorf("deadline"), "probing /tmp/x")
	assert.True(t, IsKind(err, KindProbeTimeout))
	assert.False(t, IsKind(err, KindNotARepo))
	assert.False(t, IsKind(nil, KindNotARepo))

	wrapped := fmt.Errorf("scan: %w", err)
	assert.True(t, IsKind(wrapped, KindProbeTimeout))
}

func TestDetails(t *testing.T) {
	err := New(KindPermissionDenied, "push denied").
		WithDetail("required", "commit").
		WithDetail("rule", "surface-default")

	assert.Equal(t, "commit", err.Detail("required"))
	assert.Equal(t, "surface-default", err.Detail("rule"))
	assert.Nil(t, err.Detail("missing"))
	assert.Nil(t, New(KindInternal, "x").Detail("missing"))
}

func TestErrorString(t *testing.T) {
	plain := New(KindNotARepo, "no .git at /tmp/x")
	assert.Equal(t, "NOT_A_REPO: no .git at /tmp/x", plain.Error())

	caused := Wrap(KindUnreadable, fmt.Errorf("permission denied"), "reading HEAD")
	assert.Contains(t, caused.Error(), "UNREADABLE: reading HEAD")
	assert.Contains(t, caused.Error(), "permission denied")
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{New(KindPermissionDenied, "x"), ExitPermission},
		{New(KindConfigInvalid, "x"), ExitConfig},
		{New(KindUnknownRepo, "x"), ExitNotFound},
		{New(KindLostRepo, "x"), ExitNotFound},
		{New(KindPlanConflict, "x"), ExitError},
		{fmt.Errorf("plain"), ExitError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err))
	}
}
