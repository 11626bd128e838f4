package badge

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ToolImageGenerator invokes the external badge image script. The script
// is expected to print a JSON object with success/image_url fields inside
// the timeout; any deviation is an error and the caller falls back to the
// static URLs.
type ToolImageGenerator struct {
	Script  string
	Timeout time.Duration
}

type imageToolResult struct {
	Success  bool   `json:"success"`
	ImageURL string `json:"image_url"`
	ThumbURL string `json:"thumb_url"`
}

func (g *ToolImageGenerator) Generate(ctx context.Context, badgeID, name, description, tier string) (Image, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	args := []string{badgeID, name, description}
	if tier != "" {
		args = append(args, "--tier", tier)
	}
	out, err := exec.CommandContext(ctx, g.Script, args...).Output()
	if err != nil {
		return Image{}, fmt.Errorf("badge: image tool: %w", err)
	}

	var result imageToolResult
	if err := json.Unmarshal(out, &result); err != nil {
		return Image{}, fmt.Errorf("badge: malformed image tool output: %w", err)
	}
	if !result.Success || result.ImageURL == "" {
		return Image{}, fmt.Errorf("badge: image tool reported failure for %s", badgeID)
	}
	return Image{URL: result.ImageURL, ThumbURL: result.ThumbURL}, nil
}
