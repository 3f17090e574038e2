// Package resolver decides how a token URI is turned into metadata: decoded in place,
// fetched (possibly through the content-address gateway), or rejected outright.
package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vincent-petithory/dataurl"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
)

// Kind tells the worker what to do with a Resolution.
type Kind int

// Resolution kinds.
const (
	KindRemote Kind = iota
	KindInline
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindRejected:
		return "rejected"
	default:
		return "remote"
	}
}

// Resolution is the outcome of Resolve. URI is set for KindRemote; Outcome is set for
// KindInline and KindRejected.
type Resolution struct {
	Kind    Kind
	URI     string
	Outcome crawler.Outcome
}

var (
	// ErrNotInline reports a URI that does not carry the data: scheme.
	ErrNotInline = errors.New("not an inline data uri")
	// ErrEmptyInline reports a data URI whose payload decodes to nothing.
	ErrEmptyInline = errors.New("inline data is empty")
	// ErrInlineEncoding reports a payload that is not valid UTF-8 text.
	ErrInlineEncoding = errors.New("inline data is not utf-8")
)

// contentAddress matches a CID path segment: a 46-char base58 v0 hash or a 59-char
// base32 v1 hash, preceded by a slash and followed by a slash or the end of the URI.
var contentAddress = regexp.MustCompile(`/([a-zA-Z0-9]{46}|[a-z0-9]{59})(/|$)`)

// Resolver classifies URIs against a fixed gateway prefix.
type Resolver struct {
	gateway string
}

// New returns a Resolver that rewrites content-address URIs onto gateway.
func New(gateway string) *Resolver {
	return &Resolver{gateway: gateway}
}

// Gateway returns the configured prefix.
func (r *Resolver) Gateway() string {
	return r.gateway
}

// Resolve never fails: every URI maps to exactly one Resolution.
func (r *Resolver) Resolve(uri string) Resolution {
	if text, err := DecodeInline(uri); err == nil {
		return Resolution{
			Kind:    KindInline,
			Outcome: crawler.Outcome{Code: crawler.StatusInline, Metadata: text},
		}
	}

	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "ipfs://"):
		return Resolution{
			Kind:    KindRejected,
			Outcome: crawler.ErrorOutcome(crawler.StatusInvalidIPFS, crawler.ErrMsgInvalidIPFS),
		}
	case strings.HasPrefix(lower, "ar://"):
		return Resolution{
			Kind:    KindRejected,
			Outcome: crawler.ErrorOutcome(crawler.StatusUnknownProtocol, crawler.ErrMsgUnknownProtocol),
		}
	}

	return Resolution{Kind: KindRemote, URI: r.Rewrite(uri)}
}

// Rewrite replaces everything before a content-address segment with the gateway prefix.
// URIs without such a segment are returned unchanged.
func (r *Resolver) Rewrite(uri string) string {
	loc := contentAddress.FindStringSubmatchIndex(uri)
	if loc == nil {
		return uri
	}
	return r.gateway + uri[loc[2]:]
}

// DecodeInline decodes a data: URI into text. Any malformed structure, bad encoding,
// empty payload or non-UTF-8 content is reported as an error.
func DecodeInline(uri string) (string, error) {
	if len(uri) < 5 || !strings.EqualFold(uri[:5], "data:") {
		return "", ErrNotInline
	}
	// the decoder only accepts the lowercase scheme
	decoded, err := dataurl.DecodeString("data:" + uri[5:])
	if err != nil {
		return "", fmt.Errorf("decode data uri: %w", err)
	}
	if len(decoded.Data) == 0 {
		return "", ErrEmptyInline
	}
	if !utf8.Valid(decoded.Data) {
		return "", ErrInlineEncoding
	}
	return string(decoded.Data), nil
}
