package ledger

import (
	"net/http"
	"strings"
	"time"
)

// ProvidersFromURLs builds the ordered provider list from configured base
// URLs. URLs containing "blockbook" speak the blockbook dialect; everything
// else is assumed esplora-compatible.
func ProvidersFromURLs(urls []string, timeout time.Duration) []Provider {
	client := &http.Client{Timeout: timeout}

	providers := make([]Provider, 0, len(urls))
	for _, url := range urls {
		if strings.Contains(url, "blockbook") {
			providers = append(providers, NewBlockbookProvider(url, client))
			continue
		}
		providers = append(providers, NewEsploraProvider(url, client))
	}
	return providers
}
