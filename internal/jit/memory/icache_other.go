//go:build !amd64 && !386

package memory

// 其他架构需要显式刷新指令缓存，这里没有可移植的实现，
// 编译因此失败并回退到解释执行
func flushICache(code []byte) error {
	return ErrICacheUnsupported
}
