package call

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/jingle_phone/pkg/media"
)

// Call звонок: упорядоченный список участников и общие для них настройки
// конференции.
type Call struct {
	logger *slog.Logger

	mu             sync.Mutex
	peers          []*Peer
	listeners      []StateListener
	focus          bool
	rtpTranslation map[media.Type]bool
}

// NewCall создает пустой звонок.
func NewCall(logger *slog.Logger) *Call {
	if logger == nil {
		logger = slog.Default()
	}
	return &Call{
		logger:         logger.With(slog.String("component", "call")),
		rtpTranslation: make(map[media.Type]bool),
	}
}

// AddPeer добавляет участника. Участник удаляется из звонка при завершении сессии.
func (c *Call) AddPeer(p *Peer) {
	c.mu.Lock()
	if slices.Contains(c.peers, p) {
		c.mu.Unlock()
		return
	}
	c.peers = append(c.peers, p)
	c.mu.Unlock()

	p.OnStateChange(c.peerStateChanged)
}

func (c *Call) peerStateChanged(p *Peer, from, to PeerState, reason string) {
	if to.IsEnded() {
		c.RemovePeer(p)
	}

	c.mu.Lock()
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(p, from, to, reason)
	}
}

// RemovePeer удаляет участника из звонка.
func (c *Call) RemovePeer(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.peers, p); i >= 0 {
		c.peers = slices.Delete(c.peers, i, i+1)
	}
}

// Peers возвращает снимок участников в порядке добавления.
func (c *Call) Peers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.peers)
}

// OnPeerStateChange подписывает l на смену состояния любого участника звонка.
func (c *Call) OnPeerStateChange(l StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// SetConferenceFocus объявляет локальную сторону конференц-фокусом.
func (c *Call) SetConferenceFocus(focus bool) {
	c.mu.Lock()
	c.focus = focus
	c.mu.Unlock()
}

// IsConferenceFocus сообщает, является ли локальная сторона конференц-фокусом.
func (c *Call) IsConferenceFocus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

// SetRTPTranslation включает RTP трансляцию медиа типа mt между участниками.
func (c *Call) SetRTPTranslation(mt media.Type, enabled bool) {
	c.mu.Lock()
	c.rtpTranslation[mt] = enabled
	c.mu.Unlock()
}

// IsRTPTranslationEnabled сообщает, включена ли RTP трансляция для mt.
func (c *Call) IsRTPTranslationEnabled(mt media.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtpTranslation[mt]
}

// siblings перечисляет остальных участников звонка по снимку списка.
func (c *Call) siblings(self *Peer, mt media.Type) iter.Seq[media.PeerSenders] {
	peers := c.Peers()
	return func(yield func(media.PeerSenders) bool) {
		for _, p := range peers {
			if p == self {
				continue
			}
			if !yield(media.PeerSenders{Senders: p.Senders(mt), IsInitiator: p.IsInitiator()}) {
				return
			}
		}
	}
}

// ModifyVideoContent пересогласует видео со всеми установленными участниками.
func (c *Call) ModifyVideoContent(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range c.Peers() {
		if !p.State().IsEstablished() {
			continue
		}
		g.Go(func() error {
			changed, err := p.SendModifyVideoContent(ctx)
			if err != nil {
				return err
			}
			c.logger.Debug("Call.ModifyVideoContent",
				slog.String("peer", p.Address().String()),
				slog.Bool("changed", changed))
			return nil
		})
	}
	return g.Wait()
}
