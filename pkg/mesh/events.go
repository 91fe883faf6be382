/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-17
 *
 * 控制器事件
 * 信令、连接回调、媒体操作完成和本地命令都转成事件，由单个 actor 顺序处理
 */
package mesh

import (
	"sync"

	"github.com/maiguangyang/roomcast/pkg/media"
	"github.com/maiguangyang/roomcast/pkg/signaling"
)

type event interface{}

// 入站信令
type evSignal struct {
	sig *signaling.Signal
}

// 通道状态变化
type evChannelState struct {
	state signaling.ChannelState
}

// 连接回调
type (
	evLocalCandidate struct {
		sess      *Session
		candidate media.ICECandidate
	}
	evTrack struct {
		sess  *Session
		track media.RemoteTrack
	}
	evHealth struct {
		sess   *Session
		health media.Health
	}
	evNegotiationNeeded struct {
		sess *Session
	}
)

// worker 完成通知
type (
	evOfferCreated struct {
		sess *Session
		desc media.SessionDescription
		err  error
	}
	evRemoteApplied struct {
		sess *Session
		typ  media.SDPType
		err  error
	}
	evAnswerCreated struct {
		sess *Session
		desc media.SessionDescription
		err  error
	}
	evCandidateResult struct {
		sess *Session
		err  error
	}
)

// 定时与采集
type (
	evSettle struct {
		peerID  string
		capture media.Capture
	}
	evCaptureEnded struct {
		capture media.Capture
	}
	evAnswerTimeout struct {
		sess  *Session
		round uint64
	}
)

// evCommand runs fn on the actor and replies with its error
type evCommand struct {
	fn    func() error
	reply chan error
}

// eventQueue 无界 FIFO，push 永不阻塞，actor 自己也可以安全投递
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain 取出当前全部事件
func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
