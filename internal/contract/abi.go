package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ledgersync/internal/model"
)

// ErrInvalidABI is returned when the contract interface description is
// missing, malformed, or does not describe the expected events.
var ErrInvalidABI = errors.New("invalid contract abi")

// defaultABIJSON describes the PropertyCrowdfund events the synchronizer reads.
const defaultABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "investor", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "Contribution",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "investor", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "token", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "TokenContribution",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "totalProfit", "type": "uint256"}
    ],
    "name": "ProfitDistributed",
    "type": "event"
  }
]`

type argSpec struct {
	name string
	typ  string
}

// expectedEvents pins the argument layout of each contribution event. Order
// matters: it determines the canonical signature and therefore topic0.
var expectedEvents = map[model.EventKind][]argSpec{
	model.KindNativeContribution: {
		{name: "investor", typ: "address"},
		{name: "amount", typ: "uint256"},
	},
	model.KindTokenContribution: {
		{name: "investor", typ: "address"},
		{name: "token", typ: "address"},
		{name: "amount", typ: "uint256"},
	},
}

// LoadABI reads a contract interface description from path. Both a bare ABI
// array and a compiler artifact with an "abi" key are accepted. An empty path
// returns the embedded PropertyCrowdfund ABI.
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return parseABI([]byte(defaultABIJSON))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: read %s: %v", ErrInvalidABI, path, err)
	}
	return parseABI(data)
}

func parseABI(data []byte) (abi.ABI, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return abi.ABI{}, fmt.Errorf("%w: empty document", ErrInvalidABI)
	}

	if data[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(data, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("%w: parse artifact: %v", ErrInvalidABI, err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("%w: artifact has no abi key", ErrInvalidABI)
		}
		data = artifact.ABI
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: %v", ErrInvalidABI, err)
	}
	return parsed, nil
}

// Schema is a validated view of the contribution events in a contract ABI.
type Schema struct {
	events  map[model.EventKind]abi.Event
	byTopic map[common.Hash]model.EventKind
}

// NewSchema checks that parsed declares every contribution event with the
// expected argument names and types.
func NewSchema(parsed abi.ABI) (*Schema, error) {
	s := &Schema{
		events:  make(map[model.EventKind]abi.Event, len(expectedEvents)),
		byTopic: make(map[common.Hash]model.EventKind, len(expectedEvents)),
	}

	for _, kind := range model.EventKinds {
		event, ok := parsed.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("%w: event %s not declared", ErrInvalidABI, kind)
		}
		if event.Anonymous {
			return nil, fmt.Errorf("%w: event %s is anonymous", ErrInvalidABI, kind)
		}
		if err := checkInputs(event, expectedEvents[kind]); err != nil {
			return nil, err
		}
		s.events[kind] = event
		s.byTopic[event.ID] = kind
	}

	return s, nil
}

func checkInputs(event abi.Event, want []argSpec) error {
	if len(event.Inputs) != len(want) {
		return fmt.Errorf("%w: %s has %d inputs, expected %d", ErrInvalidABI, event.Sig, len(event.Inputs), len(want))
	}
	for i, arg := range event.Inputs {
		if !strings.EqualFold(arg.Name, want[i].name) || arg.Type.String() != want[i].typ {
			return fmt.Errorf("%w: %s input %d is %s %s, expected %s %s",
				ErrInvalidABI, event.Sig, i, arg.Type.String(), arg.Name, want[i].typ, want[i].name)
		}
	}
	return nil
}

// Topic returns the topic0 signature hash of kind.
func (s *Schema) Topic(kind model.EventKind) common.Hash {
	return s.events[kind].ID
}

// Topics returns the topic0 hashes of every contribution event.
func (s *Schema) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(model.EventKinds))
	for _, kind := range model.EventKinds {
		topics = append(topics, s.events[kind].ID)
	}
	return topics
}

// KindOf maps a topic0 hash back to its event kind.
func (s *Schema) KindOf(topic0 common.Hash) (model.EventKind, bool) {
	kind, ok := s.byTopic[topic0]
	return kind, ok
}
