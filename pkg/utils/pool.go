/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-09
 *
 * Buffer Pool - 字节切片缓存池
 * RTCP 读取循环和 UDP 推流接收共用，减少每个包的分配
 */
package utils

import (
	"sync"
)

// MTUBufferSize 覆盖绝大多数 RTP/RTCP 包 (UDP MTU 1500)
const MTUBufferSize = 1500

// maxPooledSize 大于此容量的切片不回收，防止池里囤积大对象
const maxPooledSize = 4096

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, MTUBufferSize)
		return &b
	},
}

// GetBuffer 获取一个长度为 length 的切片
// cap 不够时直接分配新的，不从池里取
func GetBuffer(length int) []byte {
	bp := bufferPool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < length {
		bufferPool.Put(bp)
		return make([]byte, length)
	}
	return buf[:length]
}

// PutBuffer 将切片放回池中
func PutBuffer(buf []byte) {
	if cap(buf) < MTUBufferSize || cap(buf) > maxPooledSize {
		return
	}
	buf = buf[:cap(buf)]
	bufferPool.Put(&buf)
}
