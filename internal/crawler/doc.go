// Package crawler defines the domain model shared by every layer of the
// site crawler: job and crawl configuration, page and extraction records,
// stats, the collaborator interfaces (stores, fetcher, queue, publisher)
// and the error taxonomy. It also owns URL normalization and content-type
// classification.
package crawler
