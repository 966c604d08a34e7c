//go:build !nos3

package cmd

import _ "github.com/streamcorpus/go-streamcorpus/aws/s3"
