//go:build !nokafka

package cmd

import _ "github.com/streamcorpus/go-streamcorpus/kafka"
