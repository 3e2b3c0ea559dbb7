// Package jingle реализует согласование сессий Jingle: аудио вызовы с
// транспортами raw-udp, ICE-UDP и P2P, передачу файлов через SOCKS5 stream
// host, удержание, передачу и переадресацию вызовов.
//
// Engine создает сессии по исходящим вызовам и входящим initiate, принимает
// события через stream.Dispatcher и упорядочивает их по sid в stream.Pool.
// Session владеет своими content и кандидатами и обрабатывает одно событие
// за раз под собственной блокировкой. Медиа обслуживает bridge.Bridge,
// соединения передачи файлов socks.Helper.
//
// Различия версий протокола собраны в Version и выбираются при создании
// сессии.
package jingle
