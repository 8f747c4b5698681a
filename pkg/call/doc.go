// Package call реализует ядро Jingle звонка (XEP-0166): жизненный цикл сессии
// участника, согласование content и перевод вызова.
//
// # Состояния участника
//
// Все переходы выполняются через один конечный автомат (looplab/fsm). Событие
// именуется как "<src>_to_<dst>".
//
//	[Idle] → [Initiating] → [ConnectingOutgoing] → [Alerting] → [Connected]
//	[Idle] → [Incoming] → [ConnectingIncoming] → [Connected]
//	[Connected] ⇄ [OnHoldLocally | OnHoldRemotely | OnHoldMutually]
//	любое нетерминальное → [Disconnected | Failed]
//	[Busy] → [Disconnected]
//
// При входе в Disconnected, Failed и Busy транспорт медиа закрывается до того,
// как слушатели получат уведомление о смене состояния.
//
// # Блокировки
//
// У участника три независимые блокировки: mu (флаги и список content),
// sidMu (sid и флаг отмены до session-initiate) и sendersMu (атрибуты senders).
// Соседние участники читаются снимками, две блокировки разных участников
// никогда не удерживаются одновременно. Отправка станз выполняется без mu.
//
// # Ожидания
//
// Ожидания ограничены по времени и описываются через Latch:
// transport-info от инициатора ждет обработки session-initiate не дольше
// Config.TransportInfoWait, content-add без кандидатов повторяется через
// Config.ContentAddCandidateWait или сразу после прихода transport-info.
package call
