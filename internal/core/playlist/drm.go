package playlist

import (
	"regexp"

	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

// keyOrSessionKeyLine matches both EXT-X-KEY and EXT-X-SESSION-KEY tags,
// since DRM/encryption-method detection applies to either.
var keyOrSessionKeyLine = regexp.MustCompile(`#EXT-X-(?:SESSION-)?KEY:([^\n]*)`)

var (
	skdURIPattern      = regexp.MustCompile(`URI="skd://`)
	fairPlayFormat     = regexp.MustCompile(`KEYFORMAT="com\.apple\.streamingkeydelivery"`)
	playReadyFormat    = regexp.MustCompile(`KEYFORMAT="com\.microsoft\.playready"`)
	faxsPattern        = regexp.MustCompile(`#EXT-X-FAXS-CM:`)
)

// HasDrm reports whether text declares a DRM scheme this engine cannot
// service (FairPlay, PlayReady, or Flash Access).
func HasDrm(text string) bool {
	if faxsPattern.MatchString(text) {
		return true
	}
	for _, line := range keyOrSessionKeyLine.FindAllString(text, -1) {
		if skdURIPattern.MatchString(line) || fairPlayFormat.MatchString(line) || playReadyFormat.MatchString(line) {
			return true
		}
	}
	return false
}

// CanDecrypt reports whether every EXT-X-KEY method present is NONE or
// AES-128, the only schemes this engine's Fragment Cryptor implements.
func CanDecrypt(text string) bool {
	for _, m := range methodRegex.FindAllStringSubmatch(text, -1) {
		method := m[1]
		if method != "NONE" && method != "AES-128" {
			return false
		}
	}
	return true
}

// AssertDownloadable runs the DRM gate the pipeline invokes on every
// fetched playlist text (master, variant, and media).
func AssertDownloadable(text string) error {
	if HasDrm(text) {
		return mediaerr.DrmProtected()
	}
	if !CanDecrypt(text) {
		return mediaerr.UnsupportedEncryption()
	}
	return nil
}
