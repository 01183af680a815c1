package pdf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

type stubDownload struct {
	body []byte
	err  error
}

func (s stubDownload) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: s.body}, s.err
}

func TestCleanText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, in, want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "collapses spaces", in: "  a   b\tc  ", want: "a b c"},
		{name: "joins wrapped lines", in: "first line\nsecond line", want: "first line second line"},
		{name: "keeps paragraphs", in: "para one\nwraps\n\n  \npara two", want: "para one wraps\npara two"},
		{name: "crlf", in: "a\r\n\r\nb", want: "a\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CleanText(tc.in))
		})
	}
}

func TestFetchTextRejectsNonPDF(t *testing.T) {
	t.Parallel()
	f, err := New(stubDownload{body: []byte("<html>not a pdf</html>")}, nil, Config{}, nil)
	require.NoError(t, err)

	_, err = f.FetchText(context.Background(), "https://ex.org/doc.pdf")
	require.Error(t, err)
	assert.True(t, crawler.IsFetchFailure(err))
}

func TestFetchTextRejectsEmptyAndOversized(t *testing.T) {
	t.Parallel()

	f, err := New(stubDownload{}, nil, Config{}, nil)
	require.NoError(t, err)
	_, err = f.FetchText(context.Background(), "https://ex.org/doc.pdf")
	assert.True(t, crawler.IsFetchFailure(err))

	f, err = New(stubDownload{body: []byte("%PDF-1.4 0123456789")}, nil, Config{MaxBytes: 4}, nil)
	require.NoError(t, err)
	_, err = f.FetchText(context.Background(), "https://ex.org/doc.pdf")
	assert.True(t, crawler.IsFetchFailure(err))
}

func TestNewRequiresDownloader(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil, Config{}, nil)
	require.Error(t, err)
}
