package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform identifies a publishing target.
type Platform int

const (
	PlatformXiaohongshu Platform = 1
	PlatformChannels    Platform = 2
	PlatformDouyin      Platform = 3
	PlatformKuaishou    Platform = 4
)

var platformNames = map[Platform]string{
	PlatformXiaohongshu: "xiaohongshu",
	PlatformChannels:    "channels",
	PlatformDouyin:      "douyin",
	PlatformKuaishou:    "kuaishou",
}

func (p Platform) String() string {
	if n, ok := platformNames[p]; ok {
		return n
	}
	return "platform_" + strconv.Itoa(int(p))
}

// Known reports whether p is one of the built-in platforms.
func (p Platform) Known() bool {
	_, ok := platformNames[p]
	return ok
}

// ParsePlatform accepts a platform name ("douyin"), an alias ("tencent")
// or its numeric value ("3").
func ParsePlatform(raw string) (Platform, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, Validationf("platform required")
	}
	if n, err := strconv.Atoi(s); err == nil {
		p := Platform(n)
		if !p.Known() {
			return 0, fmt.Errorf("%w: %d", ErrUnsupportedPlatform, n)
		}
		return p, nil
	}
	switch s {
	case "tencent", "weixin", "wechat_channels":
		return PlatformChannels, nil
	case "xhs", "rednote":
		return PlatformXiaohongshu, nil
	case "tiktok_cn":
		return PlatformDouyin, nil
	}
	for p, n := range platformNames {
		if n == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, raw)
}
