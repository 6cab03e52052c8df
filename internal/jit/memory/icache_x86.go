//go:build amd64 || 386

package memory

// x86 的指令缓存与数据缓存保持一致，无需刷新
func flushICache(code []byte) error {
	return nil
}
