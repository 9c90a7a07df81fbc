package rembg

import (
	"fmt"
	"strings"
)

type Model string

const (
	// Express u2netp，最快
	Express Model = "express"
	// Balanced RMBG-1.4 fp16
	Balanced Model = "balanced"
	// Pro BiRefNet，共享一个常驻会话
	Pro Model = "pro"
)

var modelAliases = map[string]Model{
	"express":  Express,
	"fast":     Express,
	"u2netp":   Express,
	"balanced": Balanced,
	"rmbg":     Balanced,
	"pro":      Pro,
	"birefnet": Pro,
	"quality":  Pro,
}

// ParseModel 空字符串返回 Express
func ParseModel(s string) (Model, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Express, nil
	}
	if m, ok := modelAliases[s]; ok {
		return m, nil
	}
	return "", fmt.Errorf("rembg: unknown model %q", s)
}

func (m Model) String() string { return string(m) }

// Fallbacks 当前模型失败后依次尝试的模型
func (m Model) Fallbacks() []Model {
	if m == Express {
		return []Model{Balanced}
	}
	return nil
}

func (m Model) IsFast() bool {
	return m == Express || m == Balanced
}
