package chunk

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/openpgp"
	_ "golang.org/x/crypto/ripemd160" // registers the hash openpgp.Encrypt falls back to
)

var itemCodec *goavro.Codec

func init() {
	var err error
	itemCodec, err = goavro.NewCodec(itemSchema)
	if err != nil {
		panic(errors.Wrap(err, "compiling stream item schema"))
	}
}

// Serialize encodes a single stream item as avro binary.
func Serialize(si *streamcorpus.StreamItem) ([]byte, error) {
	b, err := itemCodec.BinaryFromNative(nil, nativeFromItem(si))
	if err != nil {
		return nil, errors.Wrapf(err, "serializing %s", si.StreamID)
	}
	return b, nil
}

// Deserialize decodes the output of Serialize.
func Deserialize(b []byte) (*streamcorpus.StreamItem, error) {
	native, rest, err := itemCodec.NativeFromBinary(b)
	if err != nil {
		return nil, errors.Wrap(err, "deserializing stream item")
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("%d trailing bytes after stream item", len(rest))
	}
	return itemFromNative(native)
}

// CompressAndEncrypt xz compresses data and, if to is not empty, encrypts the
// result for every entity in to.
func CompressAndEncrypt(data []byte, to openpgp.EntityList) ([]byte, error) {
	buf := &bytes.Buffer{}
	var w io.WriteCloser = nopWriteCloser{buf}
	var enc io.WriteCloser
	if len(to) > 0 {
		var err error
		enc, err = openpgp.Encrypt(buf, to, nil, &openpgp.FileHints{IsBinary: true}, nil)
		if err != nil {
			return nil, errors.Wrap(err, "starting encryption")
		}
		w = enc
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, errors.Wrap(err, "starting compression")
	}
	if _, err := xw.Write(data); err != nil {
		return nil, errors.Wrap(err, "compressing")
	}
	if err := xw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing compression")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing encryption")
	}
	return buf.Bytes(), nil
}

// DecryptAndUncompress reverses CompressAndEncrypt. If keyring is nil the
// data is assumed to be unencrypted.
func DecryptAndUncompress(data []byte, keyring openpgp.KeyRing) ([]byte, error) {
	var r io.Reader = bytes.NewReader(data)
	if keyring != nil {
		md, err := openpgp.ReadMessage(r, keyring, nil, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decrypting")
		}
		r = md.UnverifiedBody
	}
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "starting decompression")
	}
	out, err := ioutil.ReadAll(xr)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing")
	}
	return out, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
