package ledger

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract methods, named exactly as the voting contract declares them.
const (
	MethodTotalVotesFor    = "totalVotesFor"
	MethodCandidates       = "candidates"
	MethodVoteForCandidate = "voteForCandidate"
	MethodAddCandidate     = "addCandidate"
	MethodStartVoting      = "startVoting"
	MethodResetVoting      = "ResetVoting"
	MethodVotingStatus     = "VotingStatus"
	MethodGetAllCandidates = "getAllCandidates"
)

var requiredMethods = []string{
	MethodTotalVotesFor,
	MethodCandidates,
	MethodVoteForCandidate,
	MethodAddCandidate,
	MethodStartVoting,
	MethodResetVoting,
	MethodVotingStatus,
	MethodGetAllCandidates,
}

// VotingABI is the interface of the deployed voting contract.
const VotingABI = `[
  {"type":"function","name":"totalVotesFor","stateMutability":"view",
   "inputs":[{"name":"candidate","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"candidates","stateMutability":"view",
   "inputs":[{"name":"","type":"string"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"voteForCandidate","stateMutability":"nonpayable",
   "inputs":[{"name":"username","type":"string"},{"name":"candidate","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"addCandidate","stateMutability":"nonpayable",
   "inputs":[{"name":"candidate","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"startVoting","stateMutability":"nonpayable",
   "inputs":[{"name":"_startTime","type":"uint256"},{"name":"_endTime","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"ResetVoting","stateMutability":"nonpayable",
   "inputs":[],
   "outputs":[]},
  {"type":"function","name":"VotingStatus","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"status","type":"string"},{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"}]},
  {"type":"function","name":"getAllCandidates","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"names","type":"string[]"},{"name":"votes","type":"uint256[]"}]}
]`

// ParseABI parses a contract ABI and checks that every method the gateway
// calls is present.
func ParseABI(definition string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("contract ABI has no method %s", name)
		}
	}
	return parsed, nil
}

// LoadABI reads an ABI file, falling back to the embedded definition when
// path is empty.
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return ParseABI(VotingABI)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read contract ABI: %w", err)
	}
	return ParseABI(string(data))
}
