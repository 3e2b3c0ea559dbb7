package socks

import (
	"bytes"
	"fmt"
	"io"
)

// Константы протокола SOCKS5 (RFC 1928), используемые XEP-0065
const (
	socksVersion   = 0x05
	methodNoAuth   = 0x00
	methodRejected = 0xff
	cmdConnect     = 0x01
	atypIPv4       = 0x01
	atypDomain     = 0x03
	atypIPv6       = 0x04

	repSucceeded        = 0x00
	repNotAllowed       = 0x02
	repCmdNotSupported  = 0x07
	repAtypNotSupported = 0x08
)

// connectRequest CONNECT к доменному адресу dst с портом 0
func connectRequest(dst string) ([]byte, error) {
	if len(dst) == 0 || len(dst) > 255 {
		return nil, fmt.Errorf("%w: длина DST.ADDR %d", ErrHandshake, len(dst))
	}
	b := make([]byte, 0, 7+len(dst))
	b = append(b, socksVersion, cmdConnect, 0x00, atypDomain, byte(len(dst)))
	b = append(b, dst...)
	return append(b, 0x00, 0x00), nil
}

// reply ответ сервера с кодом rep и доменным адресом dst
func reply(rep byte, dst string) []byte {
	b := make([]byte, 0, 7+len(dst))
	b = append(b, socksVersion, rep, 0x00, atypDomain, byte(len(dst)))
	b = append(b, dst...)
	return append(b, 0x00, 0x00)
}

// clientHandshake согласование со стороны подключающегося
func clientHandshake(rw io.ReadWriter, dst string) error {
	req, err := connectRequest(dst)
	if err != nil {
		return err
	}
	if _, err := rw.Write([]byte{socksVersion, 1, methodNoAuth}); err != nil {
		return err
	}
	var sel [2]byte
	if _, err := io.ReadFull(rw, sel[:]); err != nil {
		return err
	}
	if sel[0] != socksVersion || sel[1] != methodNoAuth {
		return fmt.Errorf("%w: метод 0x%02x не принят", ErrHandshake, sel[1])
	}
	if _, err := rw.Write(req); err != nil {
		return err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("%w: версия %d", ErrHandshake, hdr[0])
	}
	if hdr[1] != repSucceeded {
		return fmt.Errorf("%w: отказ сервера 0x%02x", ErrHandshake, hdr[1])
	}
	var skip int
	switch hdr[3] {
	case atypIPv4:
		skip = 4
	case atypIPv6:
		skip = 16
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(rw, l[:]); err != nil {
			return err
		}
		skip = int(l[0])
	default:
		return fmt.Errorf("%w: тип адреса 0x%02x", ErrHandshake, hdr[3])
	}
	_, err = io.ReadFull(rw, make([]byte, skip+2))
	return err
}

// serverHandshake согласование со стороны stream host: принимается только
// CONNECT без аутентификации к доменному адресу, равному dst
func serverHandshake(rw io.ReadWriter, dst string) error {
	var greet [2]byte
	if _, err := io.ReadFull(rw, greet[:]); err != nil {
		return err
	}
	if greet[0] != socksVersion {
		return fmt.Errorf("%w: версия %d", ErrHandshake, greet[0])
	}
	methods := make([]byte, greet[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}
	if bytes.IndexByte(methods, methodNoAuth) < 0 {
		_, _ = rw.Write([]byte{socksVersion, methodRejected})
		return fmt.Errorf("%w: нет метода без аутентификации", ErrHandshake)
	}
	if _, err := rw.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return err
	}
	if hdr[1] != cmdConnect {
		_, _ = rw.Write(reply(repCmdNotSupported, dst))
		return fmt.Errorf("%w: команда 0x%02x", ErrHandshake, hdr[1])
	}
	if hdr[3] != atypDomain {
		_, _ = rw.Write(reply(repAtypNotSupported, dst))
		return fmt.Errorf("%w: тип адреса 0x%02x", ErrHandshake, hdr[3])
	}
	var l [1]byte
	if _, err := io.ReadFull(rw, l[:]); err != nil {
		return err
	}
	addr := make([]byte, int(l[0])+2)
	if _, err := io.ReadFull(rw, addr); err != nil {
		return err
	}
	if string(addr[:l[0]]) != dst {
		_, _ = rw.Write(reply(repNotAllowed, dst))
		return fmt.Errorf("%w: чужой DST.ADDR", ErrHandshake)
	}
	_, err := rw.Write(reply(repSucceeded, dst))
	return err
}
