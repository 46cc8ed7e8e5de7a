// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package imageframe

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/hefsoftware/sharedimageipc/pageexchange"
)

// presetsDoc is parsed once at init time into the named Config table
// below. Declarative, rather than a CLI flag surface (CLI is an
// explicit non-goal) - a caller that wants a custom resolution still
// builds its own Config directly.
const presetsDoc = `
vga-argb32:
  pixelCapacity: 307200   # 640 * 480
qvga-argb32:
  pixelCapacity: 76800    # 320 * 240
720p-argb32:
  pixelCapacity: 921600   # 1280 * 720
1080p-argb32:
  pixelCapacity: 2073600  # 1920 * 1080
`

type presetEntry struct {
	PixelCapacity   uint32 `json:"pixelCapacity"`
	HeaderAlign     uint32 `json:"headerAlign,omitempty"`
	PageHeaderAlign uint32 `json:"pageHeaderAlign,omitempty"`
	PageAlign       uint32 `json:"pageAlign,omitempty"`
}

var presets map[string]presetEntry

func init() {
	if err := yaml.Unmarshal([]byte(presetsDoc), &presets); err != nil {
		panic(fmt.Sprintf("imageframe: embedded preset table is malformed: %v", err))
	}
}

// Preset looks up a named resolution/pixel-format preset (e.g.
// "vga-argb32", "720p-argb32") and returns the Config an application
// would otherwise have to spell out by hand.
func Preset(name string) (Config, error) {
	p, ok := presets[name]
	if !ok {
		return Config{}, pageexchange.Newf("imageframe.Preset", pageexchange.ParameterError, "unknown preset %q", name)
	}
	return Config{
		PixelCapacity:   p.PixelCapacity,
		HeaderAlign:     p.HeaderAlign,
		PageHeaderAlign: p.PageHeaderAlign,
		PageAlign:       p.PageAlign,
	}, nil
}
