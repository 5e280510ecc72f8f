package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageURLBuilder_Build(t *testing.T) {
	b, err := NewPageURLBuilder("https://www.indeed.com/jobs", 10)
	require.NoError(t, err)

	assert.Equal(t, "https://www.indeed.com/jobs?l=Remote&q=golang+engineer&start=0", b.Build("golang engineer", "Remote", 0))
	assert.Equal(t, "https://www.indeed.com/jobs?q=golang&start=30", b.Build("golang", "", 3))
}

func TestPageURLBuilder_KeepsBaseParams(t *testing.T) {
	b, err := NewPageURLBuilder("https://listings.example.com/search?sort=date", 25)
	require.NoError(t, err)
	assert.Equal(t, "https://listings.example.com/search?q=go&sort=date&start=50", b.Build("go", "", 2))
}

func TestPageURLBuilder_Jobs(t *testing.T) {
	b, err := NewPageURLBuilder("https://www.indeed.com/jobs", 10)
	require.NoError(t, err)

	jobs := b.Jobs("go", "", 3)
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		assert.Equal(t, i, j.PageIndex)
		assert.Equal(t, "go", j.Query)
	}
	assert.Equal(t, "https://www.indeed.com/jobs?q=go&start=20", jobs[2].URL)
	assert.Empty(t, b.Jobs("go", "", 0))
}

func TestNewPageURLBuilder_Invalid(t *testing.T) {
	_, err := NewPageURLBuilder("not a url", 10)
	assert.Error(t, err)
	_, err = NewPageURLBuilder("https://www.indeed.com/jobs", 0)
	assert.Error(t, err)
}
