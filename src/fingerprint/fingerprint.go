// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package fingerprint computes byte-level signatures of artifacts: digests,
// Shannon entropy and content-sniffed MIME type, all in one streaming pass.
package fingerprint

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"
)

const (
	// ChunkSize is the read size used while streaming an artifact.
	ChunkSize = 64 * 1024
	// PreviewChars bounds the text preview of text-like artifacts.
	PreviewChars = 100

	sniffLen = 3072
)

type Fingerprint struct {
	Size    int64
	MD5     string
	SHA256  string
	BLAKE3  string
	Entropy float64
	MIME    string
	Preview string
}

// Histogram counts byte values.
type Histogram [256]uint64

func (h *Histogram) Add(p []byte) {
	for _, b := range p {
		h[b]++
	}
}

func (h *Histogram) Total() uint64 {
	var total uint64
	for _, c := range h {
		total += c
	}
	return total
}

// Entropy returns the Shannon entropy in bits per byte. An empty histogram
// has entropy 0.
func (h *Histogram) Entropy() float64 {
	total := h.Total()
	if total == 0 {
		return 0
	}
	n := float64(total)
	entropy := 0.0
	for _, c := range h {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Entropy is a convenience for in-memory data.
func Entropy(data []byte) float64 {
	var h Histogram
	h.Add(data)
	return h.Entropy()
}

// Compute streams r once, producing every signature. ctx is checked between
// chunks.
func Compute(ctx context.Context, r io.Reader) (Fingerprint, error) {
	var (
		hist   Histogram
		size   int64
		head   = make([]byte, 0, sniffLen)
		md5h   = md5.New()
		sha    = sha256.New()
		b3     = blake3.New()
		hashes = io.MultiWriter(md5h, sha, b3)
		buf    = make([]byte, ChunkSize)
	)

	for {
		if err := ctx.Err(); err != nil {
			return Fingerprint{}, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			hist.Add(chunk)
			_, _ = hashes.Write(chunk)
			if room := sniffLen - len(head); room > 0 {
				if room > n {
					room = n
				}
				head = append(head, chunk[:room]...)
			}
			size += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Fingerprint{}, fmt.Errorf("read artifact: %w", err)
		}
	}

	mtype := mimetype.Detect(head)
	fp := Fingerprint{
		Size:    size,
		MD5:     hexSum(md5h),
		SHA256:  hexSum(sha),
		BLAKE3:  hexSum(b3),
		Entropy: hist.Entropy(),
		MIME:    mtype.String(),
	}
	if IsTextLike(mtype) {
		fp.Preview = Preview(head, PreviewChars)
	}
	return fp, nil
}

// IsTextLike reports whether m is text/plain or derives from it (JSON, XML,
// CSV, HTML, ...).
func IsTextLike(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") || strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

// Preview returns at most n characters from the start of data, dropping a
// rune cut in half by the sniff window.
func Preview(data []byte, n int) string {
	var b strings.Builder
	for count := 0; len(data) > 0 && count < n; count++ {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(data) {
				break
			}
			r = '�'
		}
		b.WriteRune(r)
		data = data[size:]
	}
	return b.String()
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
