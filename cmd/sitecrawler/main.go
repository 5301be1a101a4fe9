// Package main is the sitecrawler entrypoint.
//
// "sitecrawler serve" runs the HTTP API with a worker pool that executes
// queued jobs: the fetch phase crawls a site into the configured store
// (memory, SQLite or Postgres) and the extraction phase evaluates the job's
// rules over the stored pages. Configuration comes from an optional file
// named by --config and SITECRAWLER_* environment variables.
package main

import "github.com/JakeFAU/sitecrawler/cmd"

func main() {
	cmd.Execute()
}
