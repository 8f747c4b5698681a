package phone

import (
	"context"
	"slices"

	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/call"
)

// StaticDirectory ростер и возможности контактов, заданные заранее.
// Все контакты ростера поддерживают одинаковый набор возможностей.
type StaticDirectory struct {
	Roster   []*jid.JID
	Features []string
}

var _ call.Directory = StaticDirectory{}

// InRoster реализует call.Directory. Сравниваются bare адреса.
func (d StaticDirectory) InRoster(_ context.Context, addr *jid.JID) bool {
	if addr == nil {
		return false
	}
	bare := addr.Bare()
	return slices.ContainsFunc(d.Roster, func(r *jid.JID) bool {
		return r.Bare().Equal(bare)
	})
}

// HasFeature реализует call.Directory.
func (d StaticDirectory) HasFeature(ctx context.Context, addr *jid.JID, feature string) (bool, error) {
	return d.InRoster(ctx, addr) && slices.Contains(d.Features, feature), nil
}
