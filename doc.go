// Package smtpd is an embeddable SMTP receiver: it accepts inbound
// connections on a TCP endpoint, drives each to completion per RFC 5321
// (with the STARTTLS extension of RFC 3207), and hands finished messages
// to a host-supplied callback. It is not a mail transfer agent: it does
// not queue, relay, authenticate clients, or verify DKIM/SPF.
//
//	cfg := smtpd.Config{Domain: "mail.example.com", Port: 25}
//	srv := smtpd.New(cfg)
//	srv.SetMessageHandler(func(m smtpd.Message) {
//		log.Printf("from=%s to=%v bytes=%d", m.From, m.Recipients, len(m.Data))
//	})
//	log.Fatal(srv.Start())
package smtpd
