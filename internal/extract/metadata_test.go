package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://www.bls.gov/":                     "www.bls.gov",
		"https://www.bls.gov":                      "www.bls.gov",
		"https://www.bls.gov/cpi/tables/":          "cpi / tables",
		"https://www.bls.gov/news.release/cpi.htm": "news.release / cpi.htm",
	}
	for in, want := range tests {
		require.Equal(t, want, recordPath(in), in)
	}
}

func TestPageType(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://x.test/":                     "Web Page",
		"https://x.test/news/2024/a":          "News",
		"https://x.test/press-releases/2024":  "Press Releases",
		"https://x.test/data_tools/x":         "Data Tools",
		"https://x.test/FAQ":                  "Faq",
		"https://x.test/économie/emploi.html": "Économie",
	}
	for in, want := range tests {
		require.Equal(t, want, pageType(in), in)
	}
}

func TestDocumentName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "cpi.pdf", documentName("https://x.test/files/cpi.pdf"))
	require.Equal(t, "document", documentName("https://x.test/"))
	require.Equal(t, "document", documentName("https://x.test"))
}
