package exchange

import (
	"crypto/sha256"
	"strings"
	"unicode"
)

// Kind identifies the wire encoding of a single instruction argument or
// event field. The set matches what the marketplace program uses.
type Kind string

const (
	KindU8     Kind = "u8"
	KindU64    Kind = "u64"
	KindI64    Kind = "i64"
	KindBool   Kind = "bool"
	KindString Kind = "string"
	KindPubkey Kind = "publicKey"
)

type Field struct {
	Name string
	Kind Kind
}

// AccountRole describes one entry of an instruction's ordered account list.
// Order, mutability, and signer flags are part of the program's interface;
// getting any of them wrong is rejected on-chain.
type AccountRole struct {
	Name    string
	Mutable bool
	Signer  bool
}

// InstructionSpec is the contract for one remote instruction. AltName is the
// historically-coexisting alternate spelling of the same instruction; when
// empty it defaults to the snake_case form of Name.
type InstructionSpec struct {
	Name     string
	AltName  string
	Args     []Field
	Accounts []AccountRole
}

// Alternate returns the alternate method identifier for this instruction.
func (i InstructionSpec) Alternate() string {
	if i.AltName != "" {
		return i.AltName
	}
	return snakeCase(i.Name)
}

type EventSpec struct {
	Name   string
	Fields []Field
}

type ErrorEntry struct {
	Code    uint32
	Name    string
	Message string
}

// Schema is the static, versioned description of the remote marketplace
// program: pure data, validated once before anything else executes.
type Schema struct {
	Name         string
	Version      string
	Instructions []InstructionSpec
	Errors       []ErrorEntry
	Events       []EventSpec
}

// Validate normalises and checks the schema. Absent instruction or event
// lists are legitimate (an interface document may omit them) and are treated
// as empty rather than as a malformed document; operations that need a
// missing entry fail later with ErrInterfaceIncomplete.
func (s *Schema) Validate() error {
	if s == nil {
		return newError(ErrInterfaceIncomplete, "program schema is nil")
	}
	if s.Instructions == nil {
		s.Instructions = []InstructionSpec{}
	}
	if s.Events == nil {
		s.Events = []EventSpec{}
	}
	if s.Errors == nil {
		s.Errors = []ErrorEntry{}
	}

	seen := make(map[string]struct{}, len(s.Instructions))
	for _, ix := range s.Instructions {
		if ix.Name == "" {
			return newError(ErrInterfaceIncomplete, "schema contains an unnamed instruction")
		}
		if _, dup := seen[ix.Name]; dup {
			return newError(ErrInterfaceIncomplete, "duplicate instruction %q in schema", ix.Name)
		}
		seen[ix.Name] = struct{}{}
	}

	seenEvents := make(map[string]struct{}, len(s.Events))
	for _, ev := range s.Events {
		if ev.Name == "" {
			return newError(ErrInterfaceIncomplete, "schema contains an unnamed event")
		}
		if _, dup := seenEvents[ev.Name]; dup {
			return newError(ErrInterfaceIncomplete, "duplicate event %q in schema", ev.Name)
		}
		seenEvents[ev.Name] = struct{}{}
	}
	return nil
}

// Instruction looks up an instruction by name.
func (s *Schema) Instruction(name string) (InstructionSpec, error) {
	for _, ix := range s.Instructions {
		if ix.Name == name {
			return ix, nil
		}
	}
	return InstructionSpec{}, newError(ErrInterfaceIncomplete, "schema %s@%s has no instruction %q", s.Name, s.Version, name)
}

// Event looks up an event layout by name.
func (s *Schema) Event(name string) (EventSpec, error) {
	for _, ev := range s.Events {
		if ev.Name == name {
			return ev, nil
		}
	}
	return EventSpec{}, newError(ErrInterfaceIncomplete, "schema %s@%s has no event %q", s.Name, s.Version, name)
}

// ErrorMessage maps a program error code to its documented message.
func (s *Schema) ErrorMessage(code uint32) (string, bool) {
	for _, entry := range s.Errors {
		if entry.Code == code {
			return entry.Message, true
		}
	}
	return "", false
}

// ErrorName maps a program error code to its documented name.
func (s *Schema) ErrorName(code uint32) (string, bool) {
	for _, entry := range s.Errors {
		if entry.Code == code {
			return entry.Name, true
		}
	}
	return "", false
}

// InstructionDiscriminator is the fixed 8-byte tag identifying which program
// operation an instruction payload invokes.
func InstructionDiscriminator(name string) [8]byte {
	return sighash("global", name)
}

// EventDiscriminator tags an emitted event payload.
func EventDiscriminator(name string) [8]byte {
	return sighash("event", name)
}

// AccountDiscriminator tags an on-chain record's data.
func AccountDiscriminator(name string) [8]byte {
	return sighash("account", name)
}

func sighash(namespace, name string) [8]byte {
	hash := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func snakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DefaultSchema describes the deployed marketplace program. Instruction
// names, argument order, account roles, error codes, and event layouts are
// the program's published interface and must not drift.
func DefaultSchema() *Schema {
	return &Schema{
		Name:    "energy_exchange",
		Version: "0.1.0",
		Instructions: []InstructionSpec{
			{
				Name: "initializeListing",
				Args: []Field{
					{Name: "listingId", Kind: KindString},
					{Name: "pricePerUnit", Kind: KindU64},
					{Name: "totalUnits", Kind: KindU64},
					{Name: "availableUnits", Kind: KindU64},
					{Name: "minPurchase", Kind: KindU64},
					{Name: "maxPurchase", Kind: KindU64},
					{Name: "expiryTimestamp", Kind: KindI64},
				},
				Accounts: []AccountRole{
					{Name: "listing", Mutable: true},
					{Name: "seller", Mutable: true, Signer: true},
					{Name: "systemProgram"},
				},
			},
			{
				Name: "initializeTransaction",
				Args: []Field{
					{Name: "amount", Kind: KindU64},
					{Name: "transactionId", Kind: KindString},
				},
				Accounts: []AccountRole{
					{Name: "buyer", Mutable: true, Signer: true},
					{Name: "seller"},
					{Name: "transaction", Mutable: true},
					{Name: "buyerTokenAccount", Mutable: true},
					{Name: "tokenMint"},
					{Name: "escrowWallet", Mutable: true},
					{Name: "tokenProgram"},
					{Name: "systemProgram"},
					{Name: "associatedTokenProgram"},
					{Name: "rent"},
				},
			},
			{
				Name: "processPurchase",
				Args: []Field{
					{Name: "units", Kind: KindU64},
				},
				Accounts: []AccountRole{
					{Name: "buyer", Mutable: true, Signer: true},
					{Name: "listing", Mutable: true},
					{Name: "transaction", Mutable: true},
					{Name: "buyerTokenAccount", Mutable: true},
					{Name: "sellerTokenAccount", Mutable: true},
					{Name: "tokenProgram"},
					{Name: "systemProgram"},
				},
			},
			{
				Name: "completeTransaction",
				Accounts: []AccountRole{
					{Name: "seller", Mutable: true, Signer: true},
					{Name: "transaction", Mutable: true},
					{Name: "escrowWallet", Mutable: true},
					{Name: "sellerTokenAccount", Mutable: true},
					{Name: "tokenProgram"},
				},
			},
			{
				Name: "cancelTransaction",
				Accounts: []AccountRole{
					{Name: "buyer", Mutable: true, Signer: true},
					{Name: "transaction", Mutable: true},
					{Name: "escrowWallet", Mutable: true},
					{Name: "buyerTokenAccount", Mutable: true},
					{Name: "tokenProgram"},
				},
			},
		},
		Errors: []ErrorEntry{
			{Code: 6000, Name: "AlreadyCompleted", Message: "This transaction has already been completed"},
			{Code: 6001, Name: "AlreadyCanceled", Message: "This transaction has already been canceled"},
			{Code: 6002, Name: "UnauthorizedBuyer", Message: "Only the buyer can cancel this transaction"},
			{Code: 6003, Name: "UnauthorizedSeller", Message: "Only the seller can complete this transaction"},
		},
		Events: []EventSpec{
			{
				Name: "ListingCreated",
				Fields: []Field{
					{Name: "listingId", Kind: KindString},
					{Name: "seller", Kind: KindPubkey},
					{Name: "pricePerUnit", Kind: KindU64},
					{Name: "totalUnits", Kind: KindU64},
					{Name: "availableUnits", Kind: KindU64},
				},
			},
			{
				Name: "TransactionInitialized",
				Fields: []Field{
					{Name: "transactionId", Kind: KindString},
					{Name: "buyer", Kind: KindPubkey},
					{Name: "seller", Kind: KindPubkey},
					{Name: "amount", Kind: KindU64},
					{Name: "timestamp", Kind: KindI64},
				},
			},
			{
				Name: "TransactionCompleted",
				Fields: []Field{
					{Name: "transactionId", Kind: KindString},
					{Name: "buyer", Kind: KindPubkey},
					{Name: "seller", Kind: KindPubkey},
					{Name: "amount", Kind: KindU64},
					{Name: "timestamp", Kind: KindI64},
				},
			},
			{
				Name: "TransactionCanceled",
				Fields: []Field{
					{Name: "transactionId", Kind: KindString},
					{Name: "buyer", Kind: KindPubkey},
					{Name: "seller", Kind: KindPubkey},
					{Name: "amount", Kind: KindU64},
					{Name: "timestamp", Kind: KindI64},
				},
			},
		},
	}
}
