// Command sirpi generates deployment artifacts for GitHub repositories and
// deploys them to AWS or Google Cloud.
package main

import "sirpi/internal/cli"

func main() {
	cli.Execute()
}
