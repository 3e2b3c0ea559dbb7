// Package presence отслеживает подписки и доступность удаленных пользователей.
//
// Каталог (Directory) хранит ростеры локальных JID. Каждый пользователь ростера
// несет биты подписки From/To, список ресурсов с возможностями и ровно один
// взведенный таймер: срок следующего probe либо срок истечения. Исходящие
// вызовы используют FindResource, чтобы выбрать ресурс с нужными
// возможностями, и ждут уведомлений о появлении ресурса.
package presence
