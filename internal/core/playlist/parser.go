// Package playlist implements M3U8 parsing and classification: master vs.
// media classification, variant extraction, and fragment extraction with
// EXT-X-KEY/EXT-X-MAP threading. It is read only — fetching is the caller's
// job (internal/core/fetch) so this package can be tested against raw text
// fixtures.
package playlist

import (
	"bufio"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

// LevelType distinguishes the two kinds of master-playlist entries this
// engine cares about.
type LevelType int

const (
	LevelStream LevelType = iota
	LevelAudio
)

// Level is one variant entry from a master playlist.
type Level struct {
	Type     LevelType
	URI      string
	Bitrate  int
	Width    int
	Height   int
	FPS      float64
	Codecs   string
}

// Key carries the EXT-X-KEY attributes relevant to AES-128-CBC decryption.
// Both fields empty means plaintext; callers should normally represent that
// as a nil *Key rather than an empty one.
type Key struct {
	IV  string // raw hex from the playlist, "" if absent
	URI string // "" if absent
}

// Fragment is one downloadable media segment or init section.
type Fragment struct {
	Index int
	URI   string
	Key   *Key
}

var (
	bandwidthRegex  = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	resolutionRegex = regexp.MustCompile(`RESOLUTION=(\d+)x(\d+)`)
	frameRateRegex  = regexp.MustCompile(`FRAME-RATE=([\d.]+)`)
	codecsRegex     = regexp.MustCompile(`CODECS="([^"]*)"`)
	uriRegex        = regexp.MustCompile(`URI="([^"]*)"`)
	methodRegex     = regexp.MustCompile(`METHOD=([^,\s]+)`)
	ivRegex         = regexp.MustCompile(`IV=(?:0[xX])?([0-9a-fA-F]+)`)
	extinfRegex     = regexp.MustCompile(`^#EXTINF:([\d.]+)`)
)

// IsMaster reports whether text contains a master-playlist marker.
func IsMaster(text string) bool {
	return strings.Contains(text, "#EXT-X-STREAM-INF")
}

// IsMedia reports whether text contains a media-playlist marker.
func IsMedia(text string) bool {
	return strings.Contains(text, "#EXTINF")
}

// Classify implements the isMaster/isMedia predicates, returning
// UnclassifiedPlaylist when text is neither or both.
func Classify(text string) (master bool, err error) {
	isMaster, isMedia := IsMaster(text), IsMedia(text)
	if isMaster == isMedia {
		return false, mediaerr.UnclassifiedPlaylist()
	}
	return isMaster, nil
}

// HasEndlist reports whether text carries #EXT-X-ENDLIST, the live-recorder
// stop signal.
func HasEndlist(text string) bool {
	return strings.Contains(text, "#EXT-X-ENDLIST")
}

// stripBOM removes a leading UTF-8 byte-order mark.
func stripBOM(text string) string {
	return strings.TrimPrefix(text, string(rune(0xFEFF)))
}

// ParseMaster extracts the variant levels from a master playlist, resolving
// all URIs against baseURL per RFC 3986.
func ParseMaster(text, baseURL string) ([]Level, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	var levels []Level
	scanner := bufio.NewScanner(strings.NewReader(stripBOM(text)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			level := Level{Type: LevelStream}
			level.Bitrate = extractInt(bandwidthRegex, line, 1)
			if m := resolutionRegex.FindStringSubmatch(line); len(m) == 3 {
				level.Width, _ = strconv.Atoi(m[1])
				level.Height, _ = strconv.Atoi(m[2])
			}
			if m := frameRateRegex.FindStringSubmatch(line); len(m) == 2 {
				level.FPS, _ = strconv.ParseFloat(m[1], 64)
			}
			level.Codecs = extractString(codecsRegex, line, 1)

			for scanner.Scan() {
				next := strings.TrimSpace(scanner.Text())
				if next == "" || strings.HasPrefix(next, "#") {
					continue
				}
				level.URI = resolve(base, next)
				break
			}
			if level.URI != "" {
				levels = append(levels, level)
			}
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-MEDIA:") && strings.Contains(line, "TYPE=AUDIO") {
			if uri := extractString(uriRegex, line, 1); uri != "" {
				levels = append(levels, Level{
					Type: LevelAudio,
					URI:  resolve(base, uri),
					Codecs: extractString(codecsRegex, line, 1),
				})
			}
			continue
		}
	}

	return levels, scanner.Err()
}

// ParseMedia extracts fragments from a media playlist in source order,
// threading EXT-X-KEY and EXT-X-MAP state across segments.
func ParseMedia(text, baseURL string) ([]Fragment, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	var fragments []Fragment
	var currentKey *Key
	var currentMapURI string
	mapPendingEmit := false

	index := 0
	scanner := bufio.NewScanner(strings.NewReader(stripBOM(text)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pendingSegment := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-KEY:") {
			method := extractString(methodRegex, line, 1)
			if method == "" || method == "NONE" {
				currentKey = nil
				continue
			}
			k := &Key{
				URI: resolveOrEmpty(base, extractString(uriRegex, line, 1)),
				IV:  extractString(ivRegex, line, 1),
			}
			currentKey = k
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-MAP:") {
			mapURI := extractString(uriRegex, line, 1)
			if mapURI == "" {
				continue
			}
			resolved := resolve(base, mapURI)
			if resolved != currentMapURI {
				currentMapURI = resolved
				mapPendingEmit = true
			}
			continue
		}

		if extinfRegex.MatchString(line) {
			pendingSegment = true
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue
		}

		// Plain line: either the pending EXT-X-MAP init section or a segment URI.
		if mapPendingEmit {
			fragments = append(fragments, Fragment{Index: index, URI: currentMapURI, Key: currentKey})
			index++
			mapPendingEmit = false
		}

		if !pendingSegment {
			continue
		}
		fragments = append(fragments, Fragment{Index: index, URI: resolve(base, line), Key: currentKey})
		index++
		pendingSegment = false
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return nil, mediaerr.EmptyPlaylist()
	}
	return fragments, nil
}

// BelongsToMaster reports whether candidateMediaURL is one of the variant
// URIs parsed out of masterText, after URL normalization.
func BelongsToMaster(masterText, masterURL, candidateMediaURL string) (bool, error) {
	levels, err := ParseMaster(masterText, masterURL)
	if err != nil {
		return false, err
	}
	want, err := normalizeURL(candidateMediaURL)
	if err != nil {
		return false, err
	}
	for _, l := range levels {
		got, err := normalizeURL(l.URI)
		if err != nil {
			continue
		}
		if got == want {
			return true, nil
		}
	}
	return false, nil
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

func resolve(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func resolveOrEmpty(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	return resolve(base, ref)
}

func extractString(re *regexp.Regexp, s string, group int) string {
	m := re.FindStringSubmatch(s)
	if len(m) <= group {
		return ""
	}
	return m[group]
}

func extractInt(re *regexp.Regexp, s string, group int) int {
	v, _ := strconv.Atoi(extractString(re, s, group))
	return v
}
