package policy

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	// Decoders for the image dimension probe.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/svenhq/dispatch/assistant/agent"
)

// maxImageAxis is the largest pixel dimension the agent may read
// directly. Over-large images bake a fatal API error into the
// conversation record.
const maxImageAxis = 2000

// bashWhitelist lists the only program prefixes restricted tiers may
// invoke via Bash.
var bashWhitelist = []string{"osascript"}

// sensitivePathFragments deny Read access when matched as substrings.
var sensitivePathFragments = []string{".ssh", ".env", "credentials", "secrets"}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".heic": true, ".webp": true, ".tiff": true, ".bmp": true,
}

// IsImagePath reports whether a path has an image extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// ImageProbe returns the pixel dimensions of an image without decoding
// pixel data.
type ImageProbe func(path string) (width, height int, err error)

// DefaultImageProbe reads only the image header.
func DefaultImageProbe(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// PermissionCallback builds the runtime tool gate for a tier.
//
// Two layers: the oversized-image read guard applies to every tier
// (cost protection, see the health supervisor's fatal patterns); the
// deny rules apply only to tiers whose capability set needs a callback.
func PermissionCallback(t Tier, isGroup bool, probe ImageProbe) agent.PermissionFunc {
	if probe == nil {
		probe = DefaultImageProbe
	}
	cap := ForTier(t, isGroup)

	return func(tool string, input map[string]any) agent.Decision {
		if tool == "Read" {
			if path, ok := input["file_path"].(string); ok && IsImagePath(path) {
				if w, h, err := probe(path); err == nil && (w > maxImageAxis || h > maxImageAxis) {
					return agent.Decision{
						Allow: false,
						Message: fmt.Sprintf(
							"Image is %dx%d which exceeds the %dpx limit. Resize it first (e.g. sips -Z %d), then read the resized copy.",
							w, h, maxImageAxis, maxImageAxis),
					}
				}
			}
		}

		if !cap.NeedsCallback {
			return agent.Decision{Allow: true}
		}

		switch tool {
		case "Write", "Edit", "NotebookEdit":
			return agent.Decision{Allow: false, Message: "File modification is not permitted for this contact."}
		case "Bash":
			cmd, _ := input["command"].(string)
			trimmed := strings.TrimSpace(cmd)
			for _, allowed := range bashWhitelist {
				if strings.HasPrefix(trimmed, allowed+" ") || trimmed == allowed {
					return agent.Decision{Allow: true}
				}
			}
			return agent.Decision{Allow: false, Message: "Only whitelisted commands are permitted for this contact."}
		case "Read":
			path, _ := input["file_path"].(string)
			lower := strings.ToLower(path)
			for _, fragment := range sensitivePathFragments {
				if strings.Contains(lower, fragment) {
					return agent.Decision{Allow: false, Message: "That path is not readable for this contact."}
				}
			}
		}
		return agent.Decision{Allow: true}
	}
}
