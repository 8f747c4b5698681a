// Package jingle описывает модель сигнальных сообщений Jingle (XEP-0166)
// и прикладных расширений, которые использует ядро звонков:
// RTP описание (XEP-0167), ICE-UDP транспорт (XEP-0176), перевод вызова
// (XEP-0251) и признак конференц-фокуса (COIN).
//
// Пакет не выполняет сетевой ввод/вывод. Сообщения упаковываются в
// IQ (mellium.im/xmpp/stanza) и передаются внешнему транспорту.
package jingle
