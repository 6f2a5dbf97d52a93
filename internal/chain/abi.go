package chain

// ERC20ABI ERC20标准ABI（用于余额和授权检查）
const ERC20ABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ERC1155ABI ERC1155标准ABI（用于条件代币余额检查）
const ERC1155ABI = `[
	{
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "id", "type": "uint256"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// CTFABI Conditional Token Framework 合约 ABI
// 包含 redeemPositions 和 oracle 结算状态的只读函数
const CTFABI = `[
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSets", "type": "uint256[]"}
		],
		"name": "redeemPositions",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "", "type": "bytes32"}],
		"name": "payoutDenominator",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "", "type": "bytes32"},
			{"name": "", "type": "uint256"}
		],
		"name": "payoutNumerators",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSet", "type": "uint256"}
		],
		"name": "getCollectionId",
		"outputs": [
			{"name": "", "type": "bytes32"}
		],
		"stateMutability": "pure",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "collectionId", "type": "bytes32"}
		],
		"name": "getPositionId",
		"outputs": [
			{"name": "", "type": "uint256"}
		],
		"stateMutability": "pure",
		"type": "function"
	}
]`
