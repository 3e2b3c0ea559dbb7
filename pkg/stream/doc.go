// Package stream управляет сигнальными потоками и доставкой входящих событий.
//
// Manager владеет живыми потоками (по одному на удаленный сервер в режиме
// компонента или на полный локальный JID в режиме клиента) и ограничивает
// переподключения бюджетом перезапусков. Dispatcher раздает события спискам
// сервисов по категориям, Pool выполняет обработку с сохранением порядка
// внутри одного ключа.
package stream
