package config

import (
	"fmt"
)

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}

	var sawStmt bool
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			break
		}
		if tok.kind == tokComment {
			_, _ = p.next()
			if !sawStmt {
				cfg.Preamble = append(cfg.Preamble, tok.text)
			}
			continue
		}
		sawStmt = true
		if tok.kind != tokIdent {
			return nil, p.errAt(tok.pos, "unexpected token %q", tok.text)
		}
		if err := p.parseTopLevelBlock(cfg); err != nil {
			return nil, err
		}
	}

	if !sawStmt {
		return nil, nil
	}
	return cfg, nil
}

func (p *parser) parseTopLevelBlock(cfg *Config) error {
	nameTok, _ := p.next()

	switch nameTok.text {
	case "store":
		if cfg.Store != nil {
			return p.errAt(nameTok.pos, "duplicate store block")
		}
		b, err := p.parseStoreBlock()
		if err != nil {
			return err
		}
		cfg.Store = b
	case "admin":
		if cfg.Admin != nil {
			return p.errAt(nameTok.pos, "duplicate admin block")
		}
		b, err := p.parseAdminBlock()
		if err != nil {
			return err
		}
		cfg.Admin = b
	case "observability":
		if cfg.Observability != nil {
			return p.errAt(nameTok.pos, "duplicate observability block")
		}
		b, err := p.parseObservabilityBlock()
		if err != nil {
			return err
		}
		cfg.Observability = b
	case "defaults":
		if cfg.Defaults != nil {
			return p.errAt(nameTok.pos, "duplicate defaults block")
		}
		b := &SettingsBlock{}
		err := p.parseBody("defaults", func(dir token) error {
			return p.parseSettingsDirective(b, "defaults", dir)
		})
		if err != nil {
			return err
		}
		cfg.Defaults = b
	case "queue":
		b, err := p.parseQueueBlock()
		if err != nil {
			return err
		}
		cfg.Queues = append(cfg.Queues, b)
	case "channel":
		b, err := p.parseChannelBlock()
		if err != nil {
			return err
		}
		cfg.Channels = append(cfg.Channels, b)
	default:
		return p.errAt(nameTok.pos, "unknown top-level block %q", nameTok.text)
	}
	return nil
}

// store <kind> [{ ... }]
func (p *parser) parseStoreBlock() (*StoreBlock, error) {
	kind, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	out := &StoreBlock{Kind: kind}
	if ok, err := p.hasBody(); err != nil || !ok {
		return out, err
	}
	err = p.parseBody("store", func(dir token) error {
		switch dir.text {
		case "path":
			return p.setValue(&out.Path, "store", dir)
		case "dsn":
			return p.setValue(&out.DSN, "store", dir)
		case "sync":
			return p.setValue(&out.Sync, "store", dir)
		case "prune_interval":
			return p.setValue(&out.PruneInterval, "store", dir)
		default:
			return p.errAt(dir.pos, "unknown store directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseAdminBlock() (*AdminBlock, error) {
	out := &AdminBlock{}
	err := p.parseBody("admin", func(dir token) error {
		switch dir.text {
		case "listen":
			return p.setValue(&out.Listen, "admin", dir)
		case "grpc_listen":
			return p.setValue(&out.GRPCListen, "admin", dir)
		case "auth":
			if _, err := p.expectWord("token", "expected 'token' after admin.auth"); err != nil {
				return err
			}
			v, err := p.parseValue()
			if err != nil {
				return err
			}
			out.AuthTokens = append(out.AuthTokens, v)
			return nil
		default:
			return p.errAt(dir.pos, "unknown admin directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseObservabilityBlock() (*ObservabilityBlock, error) {
	out := &ObservabilityBlock{}
	err := p.parseBody("observability", func(dir token) error {
		switch dir.text {
		case "log_level":
			return p.setValue(&out.LogLevel, "observability", dir)
		case "log_output":
			return p.setValue(&out.LogOutput, "observability", dir)
		case "log_path":
			return p.setValue(&out.LogPath, "observability", dir)
		case "metrics":
			return p.setValue(&out.Metrics, "observability", dir)
		case "tracing":
			if out.Tracing != nil {
				return p.errAt(dir.pos, "duplicate tracing directive")
			}
			t, err := p.parseTracingDirective()
			if err != nil {
				return err
			}
			out.Tracing = t
			return nil
		default:
			return p.errAt(dir.pos, "unknown observability directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tracing on|off, or tracing { ... }
func (p *parser) parseTracingDirective() (*TracingBlock, error) {
	out := &TracingBlock{}
	ok, err := p.hasBody()
	if err != nil {
		return nil, err
	}
	if !ok {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out.Enabled = v
		return out, nil
	}
	err = p.parseBody("tracing", func(dir token) error {
		switch dir.text {
		case "enabled":
			return p.setValue(&out.Enabled, "tracing", dir)
		case "collector":
			return p.setValue(&out.Collector, "tracing", dir)
		case "insecure":
			return p.setValue(&out.Insecure, "tracing", dir)
		case "service_name":
			return p.setValue(&out.ServiceName, "tracing", dir)
		default:
			return p.errAt(dir.pos, "unknown tracing directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseSettingsDirective(s *SettingsBlock, block string, dir token) error {
	switch dir.text {
	case "visibility":
		return p.setValue(&s.Visibility, block, dir)
	case "delay":
		return p.setValue(&s.Delay, block, dir)
	case "concurrency":
		return p.setValue(&s.Concurrency, block, dir)
	case "poll_interval":
		return p.setValue(&s.PollInterval, block, dir)
	case "max_retries":
		return p.setValue(&s.MaxRetries, block, dir)
	case "expire_after":
		return p.setValue(&s.ExpireAfter, block, dir)
	default:
		return p.errAt(dir.pos, "unknown %s directive %q", block, dir.text)
	}
}

// queue <name> [{ ... }]
func (p *parser) parseQueueBlock() (QueueBlock, error) {
	name, err := p.parseValue()
	if err != nil {
		return QueueBlock{}, err
	}
	out := QueueBlock{Name: name}
	if ok, err := p.hasBody(); err != nil || !ok {
		return out, err
	}
	block := fmt.Sprintf("queue %q", name.Text)
	err = p.parseBody(block, func(dir token) error {
		switch dir.text {
		case "dead_queue":
			return p.setValue(&out.DeadQueue, block, dir)
		case "deliver":
			if out.Deliver != nil {
				return p.errAt(dir.pos, "duplicate deliver directive in %s", block)
			}
			d, err := p.parseDeliverDirective()
			if err != nil {
				return err
			}
			out.Deliver = d
			return nil
		default:
			return p.parseSettingsDirective(&out.Settings, block, dir)
		}
	})
	if err != nil {
		return QueueBlock{}, err
	}
	return out, nil
}

// channel <topic> { delay, visibility, dead_queue, subscriber <name> [{ ... }] }
func (p *parser) parseChannelBlock() (ChannelBlock, error) {
	topic, err := p.parseValue()
	if err != nil {
		return ChannelBlock{}, err
	}
	out := ChannelBlock{Topic: topic}
	block := fmt.Sprintf("channel %q", topic.Text)
	err = p.parseBody(block, func(dir token) error {
		switch dir.text {
		case "delay":
			return p.setValue(&out.Delay, block, dir)
		case "visibility":
			return p.setValue(&out.Visibility, block, dir)
		case "dead_queue":
			return p.setValue(&out.DeadQueue, block, dir)
		case "subscriber":
			sub, err := p.parseSubscriberBlock(topic.Text)
			if err != nil {
				return err
			}
			out.Subscribers = append(out.Subscribers, sub)
			return nil
		default:
			return p.errAt(dir.pos, "unknown %s directive %q", block, dir.text)
		}
	})
	if err != nil {
		return ChannelBlock{}, err
	}
	return out, nil
}

func (p *parser) parseSubscriberBlock(topic string) (SubscriberBlock, error) {
	name, err := p.parseValue()
	if err != nil {
		return SubscriberBlock{}, err
	}
	out := SubscriberBlock{Name: name}
	if ok, err := p.hasBody(); err != nil || !ok {
		return out, err
	}
	block := fmt.Sprintf("channel %q subscriber %q", topic, name.Text)
	err = p.parseBody(block, func(dir token) error {
		if dir.text == "deliver" {
			if out.Deliver != nil {
				return p.errAt(dir.pos, "duplicate deliver directive in %s", block)
			}
			d, err := p.parseDeliverDirective()
			if err != nil {
				return err
			}
			out.Deliver = d
			return nil
		}
		return p.parseSettingsDirective(&out.Settings, block, dir)
	})
	if err != nil {
		return SubscriberBlock{}, err
	}
	return out, nil
}

// deliver <url> [{ method, timeout, header <name> <value>, sign ... }]
func (p *parser) parseDeliverDirective() (*DeliverBlock, error) {
	url, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	out := &DeliverBlock{URL: url}
	if ok, err := p.hasBody(); err != nil || !ok {
		return out, err
	}
	err = p.parseBody("deliver", func(dir token) error {
		switch dir.text {
		case "method":
			return p.setValue(&out.Method, "deliver", dir)
		case "timeout":
			return p.setValue(&out.Timeout, "deliver", dir)
		case "header":
			name, err := p.parseValue()
			if err != nil {
				return err
			}
			val, err := p.parseValue()
			if err != nil {
				return err
			}
			out.Headers = append(out.Headers, HeaderItem{Name: name, Value: val})
			return nil
		case "sign":
			typTok, err := p.expect(tokIdent, "expected sign type after deliver.sign")
			if err != nil {
				return err
			}
			switch typTok.text {
			case "hmac":
				return p.setValue(&out.SignSecretRef, "deliver sign", typTok)
			case "signature_header":
				return p.setValue(&out.SignatureHeader, "deliver sign", typTok)
			case "timestamp_header":
				return p.setValue(&out.TimestampHeader, "deliver sign", typTok)
			default:
				return p.errAt(typTok.pos, "unknown deliver sign type %q", typTok.text)
			}
		default:
			return p.errAt(dir.pos, "unknown deliver directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseBody consumes a braced block and hands every directive name to fn,
// which parses the directive's arguments.
func (p *parser) parseBody(block string, fn func(dir token) error) error {
	if _, err := p.expect(tokLBrace, "expected '{' after %s", block); err != nil {
		return err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return err
		}
		switch tok.kind {
		case tokEOF:
			return p.errAt(tok.pos, "unexpected EOF in %s (missing '}')", block)
		case tokRBrace:
			_, _ = p.next()
			return nil
		case tokComment:
			_, _ = p.next()
			continue
		}

		dirTok, _ := p.next()
		if dirTok.kind != tokIdent {
			return p.errAt(dirTok.pos, "expected directive name")
		}
		if err := fn(dirTok); err != nil {
			return err
		}
	}
}

func (p *parser) hasBody() (bool, error) {
	tok, err := p.peek()
	if err != nil {
		return false, err
	}
	return tok.kind == tokLBrace, nil
}

func (p *parser) setValue(dst *Value, block string, dir token) error {
	if dst.Set {
		return p.errAt(dir.pos, "duplicate %s %s", block, dir.text)
	}
	v, err := p.parseValue()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func (p *parser) parseValue() (Value, error) {
	tok, err := p.next()
	if err != nil {
		return Value{}, err
	}
	switch tok.kind {
	case tokString, tokIdent:
		return Value{Text: tok.text, Quoted: tok.kind == tokString, Set: true, Pos: tok.pos}, nil
	default:
		return Value{}, p.errAt(tok.pos, "expected value")
	}
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) expect(kind tokenKind, msg string, args ...any) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.kind != kind {
		return token{}, p.errAt(tok.pos, msg, args...)
	}
	return tok, nil
}

func (p *parser) expectWord(word, msg string) (token, error) {
	tok, err := p.expect(tokIdent, "%s", msg)
	if err != nil {
		return token{}, err
	}
	if tok.text != word {
		return token{}, p.errAt(tok.pos, "%s", msg)
	}
	return tok, nil
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("config parse error at %s: %s", pos.String(), msg)
}
