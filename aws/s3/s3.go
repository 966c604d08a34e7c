//go:build !nos3

// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package s3 provides stages that read and write chunks as S3 objects.
package s3

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/url"
	"os"
	"strings"
	"text/template"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
	"golang.org/x/crypto/openpgp"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterReader("from_s3_chunks", func(cfg streamcorpus.StageConfig) (streamcorpus.Reader, error) {
		conf := Config{}
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		svc, err := conf.client()
		if err != nil {
			return nil, err
		}
		return NewReader(svc, conf)
	})
	streamcorpus.DefaultRegistry.RegisterLoader("to_s3_chunks", func(cfg streamcorpus.StageConfig) (streamcorpus.Loader, error) {
		conf := Config{OutputName: "{{.date_hour}}/{{.source}}-{{.num}}-{{.md5}}"}
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		svc, err := conf.client()
		if err != nil {
			return nil, err
		}
		return NewLoader(svc, conf)
	})
}

// Config is shared by from_s3_chunks and to_s3_chunks.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	// Prefix is prepended to keys read and written.
	Prefix string `mapstructure:"prefix"`
	// OutputName is a text/template over the chunk's name info.
	OutputName string `mapstructure:"output_name"`
	// GPGRecipientKeyPath is an armored public keyring to encrypt output for.
	GPGRecipientKeyPath string `mapstructure:"gpg_recipient_key_path"`
	// GPGDecryptionKeyPath is an armored secret keyring for .gpg inputs.
	GPGDecryptionKeyPath string `mapstructure:"gpg_decryption_key_path"`
	// MaxRetries is the number of tries for each fetch or put.
	MaxRetries int `mapstructure:"max_retries"`
}

func (c Config) retrier() streamcorpus.Retrier {
	retry := streamcorpus.DefaultRetrier()
	if c.MaxRetries > 0 {
		retry.Attempts = c.MaxRetries
	}
	return retry
}

func (c Config) client() (s3iface.S3API, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(c.Region)})
	if err != nil {
		return nil, errors.Wrap(err, "getting aws session")
	}
	return s3.New(sess), nil
}

func readKeyRing(path string) (openpgp.EntityList, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	defer f.Close()
	el, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading keyring %s", path)
	}
	return el, nil
}

// Reader is the from_s3_chunks stage. Task strings are object keys relative
// to the configured bucket and prefix, or s3://bucket/key URLs.
type Reader struct {
	svc     s3iface.S3API
	conf    Config
	keyring openpgp.EntityList
	retry   streamcorpus.Retrier
}

// NewReader returns a Reader fetching objects through svc.
func NewReader(svc s3iface.S3API, conf Config) (*Reader, error) {
	r := &Reader{svc: svc, conf: conf, retry: conf.retrier()}
	var err error
	if r.keyring, err = readKeyRing(conf.GPGDecryptionKeyPath); err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "from_s3_chunks: %v", err)
	}
	return r, nil
}

// Locate splits a task string into bucket and key.
func (r *Reader) Locate(iStr string) (bucket, key string, err error) {
	if strings.HasPrefix(iStr, "s3://") {
		u, err := url.Parse(iStr)
		if err != nil {
			return "", "", errors.Wrapf(err, "parsing '%s'", iStr)
		}
		return u.Host, strings.TrimPrefix(u.Path, "/"), nil
	}
	if r.conf.Bucket == "" {
		return "", "", errors.Errorf("'%s' names no bucket and none is configured", iStr)
	}
	return r.conf.Bucket, r.conf.Prefix + iStr, nil
}

// Read implements streamcorpus.Reader. The object is fetched whole before
// the first item is returned.
func (r *Reader) Read(ctx context.Context, iStr string) (streamcorpus.ItemIterator, error) {
	bucket, key, err := r.Locate(iStr)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = r.retry.Do(ctx, func() (err error) {
		data, err = r.fetch(ctx, bucket, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(key, ".gpg"):
		if r.keyring == nil {
			return nil, errors.Errorf("s3://%s/%s is encrypted and no decryption key is configured", bucket, key)
		}
		data, err = chunk.DecryptAndUncompress(data, r.keyring)
	case strings.HasSuffix(key, ".xz"):
		data, err = chunk.DecryptAndUncompress(data, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "s3://%s/%s", bucket, key)
	}
	rdr, err := chunk.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "s3://%s/%s", bucket, key)
	}
	return rdr, nil
}

func (r *Reader) fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := r.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrTransientIO, "fetching s3://%s/%s: %v", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrTransientIO, "reading s3://%s/%s: %v", bucket, key, err)
	}
	return data, nil
}

// Loader is the to_s3_chunks stage. Chunks are stored xz compressed, and
// encrypted when a recipient key is configured.
type Loader struct {
	svc   s3iface.S3API
	conf  Config
	name  *template.Template
	to    openpgp.EntityList
	log   streamcorpus.Logger
	retry streamcorpus.Retrier
}

// NewLoader returns a Loader storing objects through svc.
func NewLoader(svc s3iface.S3API, conf Config) (*Loader, error) {
	if conf.Bucket == "" {
		return nil, errors.Wrap(streamcorpus.ErrConfiguration, "to_s3_chunks needs a bucket")
	}
	l := &Loader{svc: svc, conf: conf, log: streamcorpus.NopLogger{}, retry: conf.retrier()}
	var err error
	l.name, err = template.New("output_name").Option("missingkey=error").Parse(conf.OutputName)
	if err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "to_s3_chunks: parsing output_name: %v", err)
	}
	if l.to, err = readKeyRing(conf.GPGRecipientKeyPath); err != nil {
		return nil, errors.Wrapf(streamcorpus.ErrConfiguration, "to_s3_chunks: %v", err)
	}
	return l, nil
}

// SetLogger implements streamcorpus.LoggerSetter.
func (l *Loader) SetLogger(log streamcorpus.Logger) { l.log = log }

// Key is the object key a chunk with info will be stored under.
func (l *Loader) Key(info streamcorpus.NameInfo) (string, error) {
	buf := &bytes.Buffer{}
	if err := l.name.Execute(buf, info.Fields()); err != nil {
		return "", errors.Wrap(err, "expanding output_name")
	}
	key := l.conf.Prefix + buf.String() + ".sc.xz"
	if len(l.to) > 0 {
		key += ".gpg"
	}
	return key, nil
}

// Load implements streamcorpus.Loader.
func (l *Loader) Load(ctx context.Context, chunkPath string, info streamcorpus.NameInfo, iStr string) (string, error) {
	key, err := l.Key(info)
	if err != nil {
		return "", err
	}
	data, err := ioutil.ReadFile(chunkPath)
	if err != nil {
		return "", errors.Wrap(err, "reading chunk")
	}
	if strings.HasSuffix(chunkPath, ".xz") {
		if data, err = chunk.DecryptAndUncompress(data, nil); err != nil {
			return "", err
		}
	}
	raw := len(data)
	data, err = chunk.CompressAndEncrypt(data, l.to)
	if err != nil {
		return "", err
	}
	err = l.retry.Do(ctx, func() error {
		_, err := l.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(l.conf.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			return errors.Wrapf(streamcorpus.ErrTransientIO, "putting s3://%s/%s: %v", l.conf.Bucket, key, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	l.log.Printf("to_s3_chunks: stored %d items in s3://%s/%s (%s, %s before compression)",
		info.Num, l.conf.Bucket, key, humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(raw)))
	return "s3://" + l.conf.Bucket + "/" + key, nil
}
