package respond

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kissa/internal/errs"
)

func TestRender(t *testing.T) {
	r := New(TagScanComplete, "%d repos (%d added)", 47, 3).
		Detailf("tier: full").
		Nextf("kissa doctor")
	r.Askf("two clones of acme/tps found; keep both?")

	want := "[scan_complete] 47 repos (3 added)\n" +
		"  tier: full\n" +
		"→ next: kissa doctor\n" +
		"? ask user: two clones of acme/tps found; keep both?"
	assert.Equal(t, want, r.Render())
}

func TestRenderSummaryOnly(t *testing.T) {
	r := New(TagListing, "0 repos")
	assert.Equal(t, "[listing] 0 repos", r.Render())
}

func TestFromErrorPermission(t *testing.T) {
	err := errs.New(errs.KindPermissionDenied, "push needs commit level").
		WithDetail("rule", "level").
		WithDetail("required", "commit")
	r := FromError(err)

	assert.Equal(t, TagBlocked, r.Tag)
	assert.Contains(t, r.Render(), "[blocked]")
	assert.NotEmpty(t, r.Next, "denials should tell the user how to escalate")
}

func TestFromErrorWarningKinds(t *testing.T) {
	r := FromError(errs.New(errs.KindMountSkipped, "/mnt/nas not crossed"))
	assert.Equal(t, TagWarning, r.Tag)

	r = FromError(errs.New(errs.KindStatTimeout, "/mnt/nas/repo stat timed out"))
	assert.Equal(t, TagWarning, r.Tag)

	r = FromError(errs.New(errs.KindInternal, "boom"))
	assert.Equal(t, TagError, r.Tag)
}

func TestBatch(t *testing.T) {
	b := Batch([]*Response{
		New(TagListing, "2 repos"),
		New(TagStatus, "tps on main"),
	})
	out := b.Render()
	assert.Contains(t, out, "[batch] 2 results")
	assert.Contains(t, out, "---")
	assert.Contains(t, out, "[listing] 2 repos")
	assert.Contains(t, out, "[status] tps on main")
}
