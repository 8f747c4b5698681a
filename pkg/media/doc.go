// Package media описывает медиа сторону звонка, с которой работает ядро Jingle.
//
// Ядро не кодирует и не захватывает медиа само. Оно обращается к внешнему
// обработчику через интерфейс Handler: формирование предложения и ответа,
// переинициализация content, запуск потоков, удержание и транспортный менеджер.
//
// # Направление медиа
//
// ResolveDirection вычисляет допустимое направление для типа медиа по
// локальной передаче, атрибуту senders, роли сторон и, для конференц-фокуса,
// по соседним участникам звонка:
//
//	dir := media.ResolveDirection(media.DirectionInput{
//		MediaType:      media.Video,
//		LocalStreaming: true,
//		Senders:        jingle.SendersBoth,
//		IsInitiator:    false,
//	})
//	// dir == rtp.DirectionSendRecv
//
// Результат применяется к потоку через Stream.SetDirection. RTPStream
// связывает поток с rtp.Connector.
package media
