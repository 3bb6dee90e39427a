// Package magnet converts torrent files into magnet links.
package magnet

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 info-hashes are SHA-1 by definition
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/zeebo/bencode"
)

// ErrMalformed is returned when a payload is not a usable torrent file.
var ErrMalformed = errors.New("malformed torrent")

// ErrInvalidURI is returned when a magnet link carries no info-hash.
var ErrInvalidURI = errors.New("invalid magnet uri")

// Torrent is the magnet-relevant content of a torrent file.
type Torrent struct {
	InfoHash string
	Name     string
	Trackers []string
}

// Magnet returns the magnet link of the torrent.
func (t Torrent) Magnet() string {
	return Build(t.InfoHash, t.Name, t.Trackers)
}

// Decode parses a bencoded torrent file. The info-hash is the SHA-1 of the canonically
// re-encoded info dictionary. Trackers come from the announce-list in tier order; a
// torrent without an announce-list has none.
func Decode(data []byte) (Torrent, error) {
	if len(data) == 0 {
		return Torrent{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var doc any
	if err := bencode.DecodeBytes(data, &doc); err != nil {
		return Torrent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		return Torrent{}, fmt.Errorf("%w: top level is not a dictionary", ErrMalformed)
	}

	info, ok := root["info"].(map[string]any)
	if !ok {
		return Torrent{}, fmt.Errorf("%w: missing info dictionary", ErrMalformed)
	}

	name, ok := info["name"].(string)
	if !ok || name == "" {
		return Torrent{}, fmt.Errorf("%w: missing info.name", ErrMalformed)
	}

	encoded, err := bencode.EncodeBytes(info)
	if err != nil {
		return Torrent{}, fmt.Errorf("%w: re-encode info: %w", ErrMalformed, err)
	}
	sum := sha1.Sum(encoded) //nolint:gosec // see import

	trackers, err := flattenAnnounceList(root["announce-list"])
	if err != nil {
		return Torrent{}, err
	}

	return Torrent{
		InfoHash: hex.EncodeToString(sum[:]),
		Name:     name,
		Trackers: trackers,
	}, nil
}

func flattenAnnounceList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: announce-list is not a list", ErrMalformed)
	}

	var trackers []string
	for _, tier := range tiers {
		urls, ok := tier.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: announce-list tier is not a list", ErrMalformed)
		}
		for _, u := range urls {
			tracker, ok := u.(string)
			if !ok {
				return nil, fmt.Errorf("%w: tracker is not a string", ErrMalformed)
			}
			if tracker != "" {
				trackers = append(trackers, tracker)
			}
		}
	}
	return trackers, nil
}

// Build formats a magnet link. The name and every tracker are URL-escaped.
func Build(infoHash, name string, trackers []string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(strings.ToLower(infoHash))
	b.WriteString("&dn=")
	b.WriteString(url.QueryEscape(name))
	for _, tr := range trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// InfoHash returns the lowercase hex info-hash of a magnet link. Hex and base32
// encoded btih values are accepted.
func InfoHash(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	return m.InfoHash.HexString(), nil
}
