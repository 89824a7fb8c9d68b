package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeIncident 将包含差异的对账结果写入事件文件，供事后审计。
// 文件名带时间戳，目录不存在时自动创建。
func writeIncident(dir string, result Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建事件目录失败: %w", err)
	}

	name := fmt.Sprintf("reconcile_%s.json", result.Timestamp.Format("20060102T150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化对账结果失败: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("写入事件文件失败: %w", err)
	}
	return path, nil
}
