package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"nostr-buzz/internal/types"
)

// ZapRequestParams describes a NIP-57 zap request (kind 9734).
type ZapRequestParams struct {
	RecipientPubkey string
	EventID         string // optional zapped event
	AmountMsat      int64
	LNURL           string // bech32 lnurl of the recipient, optional
	Relays          []string
	Comment         string
	ExtraTags       [][]string // appended after the NIP-57 tags, e.g. a client tag
}

// BuildZapRequest builds and signs a kind 9734 event.
func BuildZapRequest(signer Signer, p ZapRequestParams) (*types.Event, error) {
	if p.RecipientPubkey == "" {
		return nil, errors.New("zap request needs a recipient pubkey")
	}
	if len(p.Relays) == 0 {
		return nil, errors.New("zap request needs at least one relay")
	}

	relaysTag := append([]string{"relays"}, p.Relays...)
	tags := [][]string{
		relaysTag,
		{"amount", strconv.FormatInt(p.AmountMsat, 10)},
	}
	if p.LNURL != "" {
		tags = append(tags, []string{"lnurl", p.LNURL})
	}
	tags = append(tags, []string{"p", p.RecipientPubkey})
	if p.EventID != "" {
		tags = append(tags, []string{"e", p.EventID})
	}
	for _, t := range p.ExtraTags {
		if len(t) > 0 {
			tags = append(tags, t)
		}
	}

	evt := &types.Event{
		Kind:    types.KindZapRequest,
		Tags:    tags,
		Content: p.Comment,
	}
	if err := signer.SignEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// EncodeEvent serializes an event for use as a query parameter.
func EncodeEvent(evt *types.Event) (string, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValidateZapRequest applies the NIP-57 checks a zap endpoint performs on
// the nostr query parameter. amountMsat is the amount being invoiced.
func ValidateZapRequest(evt *types.Event, recipientPubkey string, amountMsat int64) error {
	if evt.Kind != types.KindZapRequest {
		return fmt.Errorf("zap request has kind %d", evt.Kind)
	}
	if !VerifyEvent(evt) {
		return errors.New("zap request has an invalid signature")
	}

	var pTags, eTags int
	var relays []string
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		switch tag[0] {
		case "p":
			pTags++
			if len(tag) < 2 || tag[1] != recipientPubkey {
				return errors.New("zap request is for a different recipient")
			}
		case "e":
			eTags++
		case "relays":
			relays = tag[1:]
		case "amount":
			if len(tag) >= 2 && tag[1] != strconv.FormatInt(amountMsat, 10) {
				return fmt.Errorf("zap request amount %s does not match %d", tag[1], amountMsat)
			}
		}
	}
	if pTags != 1 {
		return errors.New("zap request must have exactly one p tag")
	}
	if eTags > 1 {
		return errors.New("zap request must have at most one e tag")
	}
	if len(relays) == 0 {
		return errors.New("zap request has no relays")
	}
	return nil
}

// BuildZapReceipt builds and signs the kind 9735 receipt for a paid zap
// request. preimage may be empty.
func BuildZapReceipt(signer Signer, zapRequest *types.Event, bolt11, preimage string, paidAt int64) (*types.Event, error) {
	description, err := EncodeEvent(zapRequest)
	if err != nil {
		return nil, err
	}

	tags := make([][]string, 0, 6)
	for _, tag := range zapRequest.Tags {
		if len(tag) >= 2 && (tag[0] == "p" || tag[0] == "e" || tag[0] == "a") {
			tags = append(tags, []string{tag[0], tag[1]})
		}
	}
	tags = append(tags, []string{"P", zapRequest.PubKey})
	tags = append(tags, []string{"bolt11", bolt11}, []string{"description", description})
	if preimage != "" {
		tags = append(tags, []string{"preimage", preimage})
	}

	evt := &types.Event{
		Kind:      types.KindZapReceipt,
		CreatedAt: paidAt,
		Tags:      tags,
	}
	if err := signer.SignEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}
