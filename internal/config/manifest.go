package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifestFile 是 ManifestFile 的 YAML 结构：
//
//	assets:
//	  - /
//	  - /static/css/style.css
type manifestFile struct {
	Assets []string `yaml:"assets"`
}

// LoadManifestFile 读取 YAML 资源清单，保持文件中的顺序。
func LoadManifestFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资源清单失败: %w", err)
	}
	var doc manifestFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("解析资源清单失败: %w", err)
	}
	if len(doc.Assets) == 0 {
		return nil, newFieldError("Worker.ManifestFile", "assets 不能为空")
	}
	return doc.Assets, nil
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (w WorkerConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(w.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// ResolvedManifest 将根相对路径解析为源站绝对地址，绝对地址原样保留。
func (w WorkerConfig) ResolvedManifest() ([]string, error) {
	origin, err := url.Parse(w.Origin)
	if err != nil {
		return nil, fmt.Errorf("Worker.Origin: %w", err)
	}
	out := make([]string, 0, len(w.Manifest))
	for i, raw := range w.Manifest {
		resolved, err := resolveAsset(origin, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", manifestField(i), err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

func resolveAsset(origin *url.URL, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("资源地址为空")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("仅支持 http/https: %s", raw)
		}
		if ref.Host == "" {
			return "", fmt.Errorf("缺少 Host: %s", raw)
		}
	} else if !strings.HasPrefix(ref.Path, "/") {
		return "", fmt.Errorf("相对地址必须以 / 开头: %s", raw)
	}
	resolved := origin.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}
