// Package main is the entry point of imgvec, the bulk image feature vector
// ingestion pipeline.
package main

import "imgvec/cmd"

func main() {
	cmd.Execute()
}
