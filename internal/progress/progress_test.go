package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarDraws(t *testing.T) {
	var buf bytes.Buffer
	bar := New(&buf, true)

	for i := 1; i <= 4; i++ {
		bar.Update(i, 4)
	}
	bar.Finish()

	out := buf.String()
	assert.Equal(t, 4, strings.Count(out, "\r"))
	assert.Contains(t, out, "1/4")
	assert.Contains(t, out, "4/4")
	assert.Contains(t, out, "100%")
	assert.True(t, strings.HasSuffix(out, "\n"))

	// a second Finish adds nothing
	bar.Finish()
	assert.Equal(t, out, buf.String())
}

func TestBarEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	bar := New(&buf, true)
	bar.Update(0, 0)
	assert.Contains(t, buf.String(), "0/0")
}

func TestDisabledBarIsSilent(t *testing.T) {
	var buf bytes.Buffer
	bar := New(&buf, false)
	bar.Update(1, 2)
	bar.Finish()
	assert.Empty(t, buf.String())
}
